package main

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"dataexport/pkg/archive"
	"dataexport/pkg/auth"
	"dataexport/pkg/httpx"
	"dataexport/pkg/registry"
	"dataexport/pkg/statebus"
	"dataexport/pkg/telemetry"

	"github.com/spf13/pflag"
)

func newFlags(name string) *pflag.FlagSet {
	return pflag.NewFlagSet("exportctl "+name, pflag.ContinueOnError)
}

// parse returns done=true when the caller asked for help.
func parse(flags *pflag.FlagSet, args []string) (done bool, err error) {
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func runHashSecret(_ context.Context, args []string, stdout io.Writer) error {
	flags := newFlags("hash-secret")
	algorithm := flags.String("algorithm", auth.DefaultAlgorithm, "PBKDF2 hash: sha1, sha256 or sha512")
	iterations := flags.Int("iterations", auth.DefaultIterations, "PBKDF2 iterations")
	keyBytes := flags.Int("key-bytes", 24, "random bytes per generated key")
	secret := flags.String("secret", "", "secret to hash (default: generate one)")
	if done, err := parse(flags, args); done || err != nil {
		return err
	}
	if *keyBytes < 16 {
		return fmt.Errorf("--key-bytes must be at least 16")
	}
	accessKey, err := auth.GenerateKey(*keyBytes)
	if err != nil {
		return err
	}
	if *secret == "" {
		if *secret, err = auth.GenerateKey(*keyBytes); err != nil {
			return err
		}
	}
	stored, err := auth.HashSecret(*algorithm, *iterations, *secret)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "access_key=%s\nsecret_key=%s\nsecret_hash=%s\n", accessKey, *secret, stored)
	return nil
}

// runManifest merges archive registries in argument order; a later archive
// wins for a path present in several.
func runManifest(_ context.Context, args []string, stdout io.Writer) error {
	flags := newFlags("manifest")
	out := flags.StringP("out", "o", "", "write the manifest here instead of stdout")
	if done, err := parse(flags, args); done || err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return errors.New("manifest: at least one archive is required")
	}
	merged := registry.Manifest{}
	for _, path := range flags.Args() {
		m, err := readArchiveRegistry(path)
		if err != nil {
			return err
		}
		for k, v := range m {
			merged[k] = v
		}
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if *out == "" {
		_, err = fmt.Fprintln(stdout, string(raw))
		return err
	}
	return os.WriteFile(*out, raw, 0o600)
}

func readArchiveRegistry(path string) (registry.Manifest, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != archive.RegistryMember {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		raw, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		m, err := registry.ParseManifest(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("%s: no %s member (was it exported with web_form?)", path, archive.RegistryMember)
}

func runVerifyJSON(_ context.Context, args []string, stdout io.Writer) error {
	flags := newFlags("verify-json")
	if done, err := parse(flags, args); done || err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("verify-json: exactly one file is required")
	}
	f, err := os.Open(flags.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := countJSONArray(f)
	if err != nil {
		return fmt.Errorf("%s: %w", flags.Arg(0), err)
	}
	fmt.Fprintf(stdout, "%s: %d rows\n", flags.Arg(0), n)
	return nil
}

// countJSONArray decodes one element at a time so large exports verify in constant memory.
func countJSONArray(r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return 0, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return 0, errors.New("not a JSON array")
	}
	n := 0
	for dec.More() {
		var row json.RawMessage
		if err := dec.Decode(&row); err != nil {
			return n, fmt.Errorf("row %d: %w", n, err)
		}
		n++
	}
	if _, err := dec.Token(); err != nil {
		return n, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return n, errors.New("trailing data after array")
	}
	return n, nil
}

func runDownload(ctx context.Context, args []string, stdout io.Writer) error {
	flags := newFlags("download")
	endpoint := flags.String("url", envOr("EXPORTD_URL", "http://localhost:8080")+"/v1/exports", "export endpoint")
	accessKey := flags.String("access-key", envOr("EXPORT_ACCESS_KEY", ""), "access key (env EXPORT_ACCESS_KEY)")
	secretKey := flags.String("secret-key", envOr("EXPORT_SECRET_KEY", ""), "secret key (env EXPORT_SECRET_KEY)")
	study := flags.String("study", "", "study object id")
	format := flags.String("format", "zip", "zip, json or csv")
	streams := flags.StringSlice("data-streams", nil, "data streams to include")
	participants := flags.StringSlice("participants", nil, "participant ids to include")
	timeStart := flags.String("time-start", "", "earliest time bin, 2006-01-02T15:04:05")
	timeEnd := flags.String("time-end", "", "latest time bin, 2006-01-02T15:04:05")
	manifest := flags.String("manifest", "", "manifest file of records already held")
	out := flags.StringP("out", "o", "", "output file (default: data.<format>)")
	retries := flags.Int("retries", 2, "retries on transport errors, 429 and 5xx")
	if done, err := parse(flags, args); done || err != nil {
		return err
	}
	if *study == "" {
		return errors.New("download: --study is required")
	}

	values := url.Values{
		"access_key": {*accessKey},
		"secret_key": {*secretKey},
		"study_id":   {*study},
		"format":     {*format},
	}
	if len(*streams) > 0 {
		raw, _ := json.Marshal(*streams)
		values.Set("data_streams", string(raw))
	}
	if len(*participants) > 0 {
		raw, _ := json.Marshal(*participants)
		values.Set("user_ids", string(raw))
	}
	if *timeStart != "" {
		values.Set("time_start", *timeStart)
	}
	if *timeEnd != "" {
		values.Set("time_end", *timeEnd)
	}
	if *manifest != "" {
		raw, err := os.ReadFile(*manifest)
		if err != nil {
			return err
		}
		values.Set("registry", string(raw))
	}

	client := telemetry.InstrumentClient(&http.Client{})
	resp, err := httpx.PostForm(ctx, client, *endpoint, values, *retries, 500*time.Millisecond)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
		return fmt.Errorf("export failed: %s %s: %s", resp.Status, body.Kind, body.Error)
	}

	path := *out
	if path == "" {
		path = "data." + strings.ToLower(*format)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, copyErr := io.Copy(f, resp.Body)
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return fmt.Errorf("write %s: %w", path, copyErr)
	}
	fmt.Fprintf(stdout, "%s: %d bytes (attempt %s)\n", path, n, resp.Header.Get("X-Export-Attempt"))
	return nil
}

// openConsumer is replaced in tests.
var openConsumer = func(cfg statebus.KafkaConfig) (statebus.Consumer, error) {
	return statebus.NewKafkaConsumer(cfg)
}

func runTailAudit(ctx context.Context, args []string, stdout io.Writer) error {
	flags := newFlags("tail-audit")
	brokers := flags.StringSlice("brokers", strings.Split(envOr("AUDIT_KAFKA_BROKERS", "localhost:9092"), ","), "kafka brokers")
	topic := flags.String("topic", envOr("AUDIT_KAFKA_TOPIC", "dataexport.attempts"), "audit topic")
	group := flags.String("group", "exportctl", "consumer group")
	limit := flags.Int("max", 0, "stop after this many attempts (0: run until interrupted)")
	if done, err := parse(flags, args); done || err != nil {
		return err
	}
	consumer, err := openConsumer(statebus.KafkaConfig{Brokers: *brokers, Topic: *topic, GroupID: *group})
	if err != nil {
		return err
	}
	defer consumer.Close()
	return tailAudit(ctx, consumer, stdout, *limit)
}

func tailAudit(ctx context.Context, consumer statebus.Consumer, w io.Writer, limit int) error {
	for seen := 0; limit <= 0 || seen < limit; {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		a, err := statebus.DecodeAttempt(msg)
		if err != nil {
			fmt.Fprintf(w, "skip %s: %v\n", msg.Key, err)
			continue
		}
		seen++
		line := fmt.Sprintf("%s %s %s %s bytes=%d", a.StartedAt.Format(time.RFC3339), a.ID, a.Resource, a.Outcome, a.BytesEmitted)
		if a.ErrorKind != "" {
			line += " kind=" + a.ErrorKind
		}
		if a.Username != "" {
			line += " user=" + a.Username
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
