package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/Granulate/gprofiler/internal/artifact"
)

// rawMessage is a minimal carrier for an artifact submission: the rendered
// bytes plus its JSON metadata, marshaled with the "raw" codec below. This
// lets the core depend only on a generic Submit RPC (§6) instead of
// vendoring a protobuf schema for one external aggregation service.
type rawMessage struct {
	Data   []byte          `json:"data"`
	Pprof  []byte          `json:"pprof,omitempty"`
	Meta   json.RawMessage `json:"meta"`
}

// rawCodec implements encoding.Codec for rawMessage over JSON, registered
// under the name "raw" so a gRPC client/server pair can exchange submission
// payloads without a .proto-generated type.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("raw codec: unsupported type %T", v)
	}
	return json.Marshal(m)
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("raw codec: unsupported type %T", v)
	}
	return json.Unmarshal(data, m)
}

func (rawCodec) Name() string { return "raw" }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// GRPCSink submits artifacts over a persistent gRPC connection, generalized
// from the teacher's grpcConn dial (bearer-token auth, client-side
// Prometheus metrics, optional plaintext) to the generic Submit RPC of §6.
type GRPCSink struct {
	conn   *grpc.ClientConn
	method string
}

// DialOptions mirrors the teacher's `flags` fields relevant to connecting
// to a store.
type DialOptions struct {
	Address            string
	BearerToken        string
	BearerTokenFile    string
	Insecure           bool
	InsecureSkipVerify bool
}

func NewGRPCSink(reg prometheus.Registerer, opts DialOptions) (*GRPCSink, error) {
	metrics := grpc_prometheus.NewClientMetrics()
	metrics.EnableClientHandlingTimeHistogram()
	reg.MustRegister(metrics)

	dialOpts := []grpc.DialOption{
		grpc.WithUnaryInterceptor(metrics.UnaryClientInterceptor()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawCodec{}.Name())),
	}

	if opts.Insecure {
		dialOpts = append(dialOpts, grpc.WithInsecure()) //nolint:staticcheck
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify,
		})))
	}

	token := opts.BearerToken
	if opts.BearerTokenFile != "" {
		b, err := os.ReadFile(opts.BearerTokenFile)
		if err != nil {
			return nil, fmt.Errorf("read bearer token file: %w", err)
		}
		token = string(b)
	}
	if token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(&perRPCBearerToken{
			token:    token,
			insecure: opts.Insecure,
		}))
	}

	conn, err := grpc.Dial(opts.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial artifact sink: %w", err)
	}

	return &GRPCSink{conn: conn, method: "/parca_agent.ArtifactSink/Submit"}, nil
}

func (g *GRPCSink) Close() error {
	return g.conn.Close()
}

func (g *GRPCSink) Submit(ctx context.Context, data []byte, meta artifact.Metadata) (Outcome, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Fatal, fmt.Errorf("marshal metadata: %w", err)
	}

	req := &rawMessage{Data: data, Meta: metaJSON}
	// Best-effort pprof translation (§6 treats the folded text format as
	// canonical; the binary form is an add-on for consumers that prefer
	// it). A translation failure never blocks the submission.
	if parsed, perr := artifact.Parse(data); perr == nil {
		if prof, perr := parsed.ToPprof(); perr == nil {
			var buf bytes.Buffer
			if perr := prof.Write(&buf); perr == nil {
				req.Pprof = buf.Bytes()
			}
		}
	}
	resp := &rawMessage{}
	err = g.conn.Invoke(ctx, g.method, req, resp)
	if err == nil {
		return Ok, nil
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return Retry, err
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.Unimplemented:
		return Fatal, err
	default:
		return Retry, err
	}
}

type perRPCBearerToken struct {
	token    string
	insecure bool
}

func (t *perRPCBearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + t.token}, nil
}

func (t *perRPCBearerToken) RequireTransportSecurity() bool {
	return !t.insecure
}
