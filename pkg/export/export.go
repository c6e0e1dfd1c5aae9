// Package export runs one export request through credential resolution,
// authorization, filter assembly and the registry diff, then hands back a
// lazily encoded byte stream whose audit record is finalized exactly once.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"dataexport/pkg/access"
	"dataexport/pkg/apierr"
	"dataexport/pkg/archive"
	"dataexport/pkg/audit"
	"dataexport/pkg/auth"
	"dataexport/pkg/filter"
	"dataexport/pkg/history"
	"dataexport/pkg/metrics"
	"dataexport/pkg/paginate"
	"dataexport/pkg/ratelimit"
	"dataexport/pkg/records"
	"dataexport/pkg/registry"
	"dataexport/pkg/telemetry"
)

// DisconnectedDetail prefixes the error detail of attempts whose consumer
// went away before the end of the stream. Such attempts still complete.
const DisconnectedDetail = "consumer disconnected"

const (
	maxErrorDetail = 512
	finishTimeout  = 5 * time.Second
)

type CredentialResolver interface {
	Resolve(ctx context.Context, accessKey, secretKey string) (auth.Identity, error)
}

type ResourceAuthorizer interface {
	Authorize(ctx context.Context, id auth.Identity, res access.Resource) (access.Handle, error)
}

type FilterAssembler interface {
	Assemble(ctx context.Context, p filter.Params) (filter.Descriptor, error)
}

type HistoryStreamer interface {
	Stream(ctx context.Context, kind history.Kind, p access.Participant, shape paginate.RowShape) (paginate.ChunkStream, error)
}

// RecordSource opens the chunk registry source for one study and filter.
type RecordSource func(studyID int64, d filter.Descriptor) paginate.Source[records.Stub]

// Observer is told about attempts as they start and finish. Calls are
// synchronous and must not block.
type Observer interface {
	AttemptStarted(a audit.Attempt)
	AttemptFinished(a audit.Attempt)
}

type Service struct {
	Resolver   CredentialResolver
	Authorizer ResourceAuthorizer
	Assembler  FilterAssembler
	Records    RecordSource
	History    HistoryStreamer
	// Fetcher loads archive member content. Archive exports are unavailable without one.
	Fetcher archive.Fetcher
	Audit   audit.Store
	Redact  audit.Redactor
	Limiter *ratelimit.Guard
	// Maintenance is consulted once per request; true rejects it as Unavailable.
	Maintenance    func(ctx context.Context) bool
	Observers      []Observer
	Metrics        *metrics.Registry
	PageSize       int
	ArchiveWorkers int
	Now            func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Begin validates req and opens its stream. Any error returned has already
// been recorded as a failed attempt; the caller renders it and stops.
// On success the caller must drain or Close the export.
func (s *Service) Begin(ctx context.Context, req Request) (x *Export, err error) {
	ctx, span := telemetry.StartSpan(ctx, "export.begin")
	defer func() { telemetry.EndSpan(span, err) }()

	accessKey, secretKey := req.credentials()
	res := req.Resource()
	var manifest registry.Manifest
	var manifestErr error
	if raw, ok := req.manifest(); ok {
		manifest, manifestErr = registry.ParseManifest(raw)
	}
	attempt := audit.Attempt{
		ID:            uuid.New(),
		AccessKeyHash: s.Redact.AccessKey(accessKey),
		Resource:      res.String(),
		QueryParams:   s.Redact.Params(req.Params),
		ManifestSize:  len(manifest),
		Outcome:       audit.OutcomeStarted,
		StartedAt:     s.now(),
	}
	span.SetAttributes(attribute.String("export.attempt_id", attempt.ID.String()), attribute.String("export.resource", attempt.Resource))
	if s.Audit == nil {
		return nil, apierr.New(apierr.Unavailable, "audit store not configured")
	}
	if err := s.Audit.Create(ctx, attempt); err != nil {
		log.Printf("export: audit create %s: %v", attempt.ID, err)
		return nil, apierr.Wrap(apierr.UnexpectedFailure, "unexpected failure", err)
	}
	for _, o := range s.Observers {
		o.AttemptStarted(attempt)
	}

	x = &Export{svc: s, ctx: ctx, attempt: attempt}
	fail := func(err error) (*Export, error) {
		x.finish(err)
		return nil, err
	}

	if s.Maintenance != nil && s.Maintenance(ctx) {
		return fail(apierr.New(apierr.Unavailable, "service is down for maintenance"))
	}
	limitKey := attempt.AccessKeyHash
	if limitKey == "" {
		limitKey = "anonymous"
	}
	if err := s.Limiter.Check(ctx, limitKey); err != nil {
		return fail(err)
	}

	id, err := s.Resolver.Resolve(ctx, accessKey, secretKey)
	if err != nil {
		return fail(err)
	}
	x.attempt.ResearcherID, x.attempt.Username = id.ResearcherID, id.Username

	handle, err := s.Authorizer.Authorize(ctx, id, res)
	if err != nil {
		return fail(err)
	}
	x.attempt.StudyID = handle.Study.ID
	if handle.Participant != nil {
		x.attempt.StudyID = handle.Participant.StudyID
	}

	if req.History != "" {
		if s.History == nil || handle.Participant == nil {
			return fail(apierr.New(apierr.Unavailable, "history export not configured"))
		}
		stream, err := s.History.Stream(ctx, req.History, *handle.Participant, req.rowShape())
		if err != nil {
			return fail(err)
		}
		x.stream, x.format, x.fileName = stream, FormatJSON, string(req.History)+".json"
		return x, nil
	}

	format, err := req.format()
	if err != nil {
		return fail(err)
	}
	desc, err := s.Assembler.Assemble(ctx, filter.Params(req.Params))
	if err != nil {
		return fail(err)
	}
	if x.attempt.Filter, err = json.Marshal(desc); err != nil {
		return fail(err)
	}
	if manifestErr != nil {
		return fail(manifestErr)
	}
	if format == FormatZip && s.Fetcher == nil {
		return fail(apierr.New(apierr.Unavailable, "archive export not configured"))
	}

	opts := []paginate.Option[records.Stub]{paginate.WithPageSize[records.Stub](s.PageSize)}
	if manifest != nil {
		x.differ = &registry.Differ{Manifest: manifest}
		opts = append(opts, paginate.WithTransform[records.Stub](x.differ.FilterPage))
	}
	pages := paginate.New(s.Records(handle.Study.ID, desc), records.StubID, opts...)
	x.pages = pages
	x.format = format
	x.fileName = "data." + string(format)
	switch format {
	case FormatJSON:
		x.stream = paginate.NewJSONStream(ctx, pages, records.Codec, req.rowShape())
	case FormatCSV:
		x.stream = paginate.NewCSVStream(ctx, pages, records.Codec)
	default:
		x.archive = archive.NewStream(ctx, pages, s.Fetcher, archive.Options{
			Workers:  s.ArchiveWorkers,
			Registry: !req.present("web_form"),
		})
		x.stream = x.archive
	}
	return x, nil
}

// Export is an open export stream. Next, Bytes, Abort and Close belong to the
// goroutine consuming the stream; Attempt may be called from anywhere.
type Export struct {
	svc      *Service
	ctx      context.Context
	stream   paginate.ChunkStream
	pages    interface{ Queries() int }
	differ   *registry.Differ
	archive  *archive.Stream
	format   Format
	fileName string

	mu      sync.Mutex
	attempt audit.Attempt
	bytes   int64
	done    bool
	once    sync.Once
}

func (x *Export) AttemptID() uuid.UUID { return x.attempt.ID }
func (x *Export) Format() Format       { return x.format }
func (x *Export) FileName() string     { return x.fileName }

func (x *Export) ContentType() string {
	switch x.format {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	default:
		return "application/zip"
	}
}

// Next advances to the next chunk. When the stream ends, cleanly or not,
// the attempt is finalized before Next returns false.
func (x *Export) Next() bool {
	if x.stream.Next() {
		x.mu.Lock()
		x.bytes += int64(len(x.stream.Bytes()))
		x.mu.Unlock()
		return true
	}
	err := x.stream.Err()
	x.mu.Lock()
	x.done = true
	x.mu.Unlock()
	_ = x.stream.Close()
	x.finish(err)
	return false
}

func (x *Export) Bytes() []byte { return x.stream.Bytes() }

func (x *Export) Err() error { return x.stream.Err() }

// Abort stops the stream because the consumer could not take more bytes,
// typically a broken connection. The attempt completes with the bytes sent so far.
func (x *Export) Abort(cause error) {
	if cause == nil {
		cause = errors.New("consumer aborted")
	}
	_ = x.stream.Close()
	x.finish(&abortError{cause: cause})
}

// Close releases the stream. Closing before exhaustion counts as a consumer disconnect.
func (x *Export) Close() error {
	err := x.stream.Close()
	x.mu.Lock()
	done := x.done
	x.mu.Unlock()
	if !done {
		x.finish(&abortError{cause: errors.New("stream closed before completion")})
	}
	return err
}

// Attempt returns a copy of the audit record as currently known.
func (x *Export) Attempt() audit.Attempt {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.attempt
}

type abortError struct{ cause error }

func (e *abortError) Error() string { return e.cause.Error() }
func (e *abortError) Unwrap() error { return e.cause }

func (x *Export) finish(err error) {
	x.once.Do(func() {
		s := x.svc
		end := s.now()
		x.mu.Lock()
		a := x.attempt
		a.BytesEmitted = x.bytes
		a.EndedAt = &end
		a.Outcome = audit.OutcomeCompleted
		switch {
		case err == nil:
		case x.disconnected(err):
			a.ErrorDetail = truncate(DisconnectedDetail + ": " + err.Error())
		default:
			a.Outcome, a.ErrorKind, a.ErrorDetail = audit.OutcomeFailed, string(apierr.KindOf(err)), truncate(err.Error())
		}
		x.attempt = a
		x.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(x.ctx), finishTimeout)
		defer cancel()
		if ferr := s.Audit.Finish(ctx, a); ferr != nil {
			log.Printf("export: audit finish %s: %v", a.ID, ferr)
		}
		if s.Metrics != nil {
			if x.pages != nil {
				s.Metrics.AddQueries(x.pages.Queries())
			}
			if x.differ != nil {
				s.Metrics.Add("records_excluded", x.differ.Excluded())
			}
			if x.archive != nil {
				s.Metrics.Add("archive_files", x.archive.Written())
				s.Metrics.Add("archive_duplicates", x.archive.Duplicates())
			}
			s.Metrics.ObserveExport(string(a.Outcome), a.ErrorKind, string(x.format), a.BytesEmitted, end.Sub(a.StartedAt))
		}
		for _, o := range s.Observers {
			o.AttemptFinished(a)
		}
		log.Printf("export: attempt=%s resource=%s outcome=%s kind=%s bytes=%d", a.ID, a.Resource, a.Outcome, a.ErrorKind, a.BytesEmitted)
	})
}

// disconnected reports whether err comes from the consumer going away rather
// than from the backing store or the encoder.
func (x *Export) disconnected(err error) bool {
	var aborted *abortError
	if errors.As(err, &aborted) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return x.ctx.Err() != nil
	}
	return false
}

func truncate(s string) string {
	if len(s) <= maxErrorDetail {
		return s
	}
	return s[:maxErrorDetail]
}

var _ paginate.ChunkStream = (*Export)(nil)
