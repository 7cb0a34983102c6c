package kit

import "context"

type contextKey string

const (
	RequestIDKey contextKey = "kit_request_id"
	TabIDKey     contextKey = "kit_tab_id"
	TransportKey contextKey = "kit_transport" // "http", "mcp"
	HostnameKey  contextKey = "kit_hostname"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithTabID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TabIDKey, id)
}
func GetTabID(ctx context.Context) string {
	v, _ := ctx.Value(TabIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithHostname(ctx context.Context, h string) context.Context {
	return context.WithValue(ctx, HostnameKey, h)
}
func GetHostname(ctx context.Context) string {
	v, _ := ctx.Value(HostnameKey).(string)
	return v
}
