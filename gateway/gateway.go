// Package gateway exposes the HTTP surface: the two dialect ingress
// endpoints, the activity stream, and the health check. Handlers parse
// the client dialect, hand the canonical request to the pipeline, and
// render results back in the same dialect.
package gateway

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/pipeline"
	"github.com/luthienresearch/luthien/wire"
	anthropicwire "github.com/luthienresearch/luthien/wire/anthropic"
	openaiwire "github.com/luthienresearch/luthien/wire/openai"
)

type (
	// Options configures the server.
	Options struct {
		// Processor runs transactions. Required.
		Processor *pipeline.Processor
		// APIKey is the gateway credential clients must present. Required.
		APIKey string
		// MaxRequestBytes bounds ingress bodies. Defaults to 10 MiB.
		MaxRequestBytes int64
		// Activity feeds the activity stream endpoint. Nil disables it.
		Activity ActivitySource
		// ActivityRate caps events per second per activity connection.
		// Defaults to 50.
		ActivityRate int
		// Pingers back the health endpoint. Empty means always healthy.
		Pingers []health.Pinger
	}

	// Server is the gateway HTTP handler.
	Server struct {
		proc     *pipeline.Processor
		apiKey   []byte
		maxBytes int64
		activity ActivitySource
		rate     int
		mux      *http.ServeMux
	}

	// dialect bundles the wire functions of one client dialect.
	dialect struct {
		name           string
		parse          func(body []byte, header http.Header) (*model.Request, error)
		formatResponse func(*model.Response) ([]byte, error)
		formatError    func(*wire.Error) []byte
		newFormatter   func() pipeline.StreamFormatter
	}
)

// DefaultMaxRequestBytes bounds ingress bodies when Options does not.
const DefaultMaxRequestBytes = 10 << 20

// CallIDHeader carries the transaction id back to the client.
const CallIDHeader = "call_id"

var (
	openaiDialect = dialect{
		name:           "openai",
		parse:          openaiwire.ParseRequest,
		formatResponse: openaiwire.FormatResponse,
		formatError:    openaiwire.FormatError,
		newFormatter:   func() pipeline.StreamFormatter { return openaiFormatter{f: openaiwire.NewStreamFormatter()} },
	}
	anthropicDialect = dialect{
		name: "anthropic",
		parse: func(body []byte, _ http.Header) (*model.Request, error) {
			return anthropicwire.ParseRequest(body)
		},
		formatResponse: anthropicwire.FormatResponse,
		formatError:    anthropicwire.FormatError,
		newFormatter:   func() pipeline.StreamFormatter { return anthropicwire.NewStreamFormatter() },
	}
)

// New returns a Server routing the gateway endpoints.
func New(opts Options) (*Server, error) {
	if opts.Processor == nil {
		return nil, errors.New("pipeline processor is required")
	}
	if opts.APIKey == "" {
		return nil, errors.New("proxy api key is required")
	}
	maxBytes := opts.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestBytes
	}
	rate := opts.ActivityRate
	if rate <= 0 {
		rate = 50
	}
	s := &Server{
		proc:     opts.Processor,
		apiKey:   []byte(opts.APIKey),
		maxBytes: maxBytes,
		activity: opts.Activity,
		rate:     rate,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/chat/completions", s.completions(openaiDialect))
	s.mux.HandleFunc("POST /v1/messages", s.completions(anthropicDialect))
	s.mux.Handle("GET /health", health.Handler(health.NewChecker(opts.Pingers...)))
	if s.activity != nil {
		s.mux.HandleFunc("GET /activity/stream", s.activityStream)
	}
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// completions returns the ingress handler for one dialect.
func (s *Server) completions(d dialect) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if !s.authorized(r) {
			writeError(w, d, wire.NewError(wire.KindUnauthorized, "missing or invalid credentials"))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, d, wire.NewError(wire.KindRequestTooLarge, "request body too large"))
				return
			}
			writeError(w, d, wire.WrapError(wire.KindInvalidRequest, "read request body", err))
			return
		}

		req, err := d.parse(body, r.Header)
		if err != nil {
			writeError(w, d, wire.Classify(err))
			return
		}

		tx, err := s.proc.Begin(ctx, &pipeline.Inbound{Request: req, ClientFormat: d.name})
		if err != nil {
			writeError(w, d, wire.Classify(err))
			return
		}
		w.Header().Set(CallIDHeader, tx.ID())

		if req.Stream {
			s.streamResponse(w, r, d, tx)
			return
		}

		resp, werr := tx.Complete(ctx)
		if werr != nil {
			writeError(w, d, wire.Classify(werr))
			return
		}
		data, err := d.formatResponse(resp)
		if err != nil {
			writeError(w, d, wire.Classify(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			log.Printf(ctx, "write response: %v", err)
		}
	}
}

// streamResponse runs the streaming path. Errors before the first frame
// surface as plain HTTP errors; after that they arrive in-band.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, d dialect, tx *pipeline.Transaction) {
	ctx := r.Context()
	stream, err := tx.OpenStream(ctx)
	if err != nil {
		writeError(w, d, wire.Classify(err))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sw := sseWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
		f.Flush()
	}
	if err := stream.Run(d.newFormatter(), sw); err != nil {
		log.Printf(ctx, "stream ended: %v", err)
	}
}

// authorized checks the gateway credential: a bearer token or the
// x-api-key header. Comparison is constant-time.
func (s *Server) authorized(r *http.Request) bool {
	token := r.Header.Get("x-api-key")
	if token == "" {
		auth := r.Header.Get("Authorization")
		token = strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			token = ""
		}
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), s.apiKey) == 1
}

// writeError renders a classified error in the client's dialect.
func writeError(w http.ResponseWriter, d dialect, werr *wire.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(werr.Status)
	w.Write(d.formatError(werr)) //nolint:errcheck
}

// openaiFormatter adapts the single-frame OpenAI formatter to the
// pipeline interface.
type openaiFormatter struct {
	f *openaiwire.StreamFormatter
}

func (o openaiFormatter) FormatChunk(c model.Chunk) []wire.Frame {
	return []wire.Frame{o.f.FormatChunk(c)}
}

func (o openaiFormatter) Finish() []wire.Frame { return o.f.Finish() }

func (o openaiFormatter) FormatStreamError(e *wire.Error) []wire.Frame {
	return o.f.FormatStreamError(e)
}

// sseWriter writes frames to the HTTP response, flushing after each.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// WriteFrame implements pipeline.FrameWriter.
func (s sseWriter) WriteFrame(f wire.Frame) error {
	if _, err := s.w.Write(f.Encode()); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
