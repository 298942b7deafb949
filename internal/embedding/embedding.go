// Package embedding implements C2: text -> fixed-dim vector, pluggable
// local or remote, with a dimension fixed at boot. Embedding failures must
// never block record creation — callers store a nil vector. No backfill
// pass re-embeds such a record: the startup backfill in
// internal/entityworker fills entity_keywords only.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/rcrt/internal/config"
)

// Provider embeds text into a fixed-dimension vector.
type Provider interface {
	Dim() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

func New(cfg config.Embedding) (Provider, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocal(cfg.Dim), nil
	case "remote":
		return NewRemote(cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider type %q", cfg.Type)
	}
}

// Local is a deterministic hash-based projection. It is not a real
// semantic embedding model — specific LLM/embedding providers are out of
// scope — but gives every record a stable, fixed-dim vector so hybrid
// search and the ANN index have something non-trivial to operate on
// without any external dependency.
type Local struct {
	dim int
}

func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = 256
	}
	return &Local{dim: dim}
}

func (l *Local) Dim() int { return l.dim }

func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, l.dim)
	if text == "" {
		return vec, nil
	}

	// Hash a 4-byte big-endian index salt followed by the text, once per
	// dimension, so that every output dimension is a distinct,
	// deterministic function of the input text.
	for i := 0; i < l.dim; i++ {
		var salt [4]byte
		binary.BigEndian.PutUint32(salt[:], uint32(i))

		h := sha256.New()
		h.Write(salt[:])
		h.Write([]byte(text))
		sum := h.Sum(nil)

		// Map the first 4 bytes of the digest into [-1, 1].
		raw := binary.BigEndian.Uint32(sum[:4])
		vec[i] = float32(raw)/float32(1<<31) - 1
	}

	return vec, nil
}

// Remote calls an external HTTP embedding endpoint.
type Remote struct {
	client  *klient.Client
	dim     int
	timeout time.Duration
}

func NewRemote(cfg config.Embedding) (*Remote, error) {
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("embedding.remote_url is required for type=remote")
	}

	c, err := klient.New(
		klient.WithBaseURL(cfg.RemoteURL),
		klient.WithLogger(slog.Default()),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build remote embedding client: %w", err)
	}

	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 5 * time.Second
	}

	return &Remote{client: c, dim: cfg.Dim, timeout: cfg.RemoteTimeout}, nil
}

func (r *Remote) Dim() int { return r.dim }

type remoteEmbedRequest struct {
	Text string  `json:"text"`
}

type remoteEmbedResponse struct {
	Vector []float32  `json:"vector"`
}

func (r *Remote) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	jsonBody, err := json.Marshal(remoteEmbedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp remoteEmbedResponse
	if err := r.client.Do(req, func(httpResp *http.Response) error {
		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &resp)
	}); err != nil {
		return nil, fmt.Errorf("call remote embedding provider: %w", err)
	}

	if len(resp.Vector) != r.dim {
		return nil, fmt.Errorf("remote embedding returned dim %d, configured dim is %d", len(resp.Vector), r.dim)
	}

	return resp.Vector, nil
}
