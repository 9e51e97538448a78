package server

import (
	"context"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
	"github.com/adfharrison1/go-syncdb/pkg/rpc"
	"github.com/adfharrison1/go-syncdb/pkg/session"
)

type handlerFunc func(ctx context.Context, svc session.Service, req *rpc.Request) (interface{}, error)

var handlers = map[string]handlerFunc{
	"find":    handleFind,
	"findOne": handleFindOne,
	"commit":  handleCommit,
	"delete":  handleDelete,
	"load":    handleLoad,
	"ping":    handlePing,
}

// dispatch invokes the method named by req and wraps the outcome in a Response.
func dispatch(ctx context.Context, svc session.Service, req *rpc.Request) *rpc.Response {
	h, ok := handlers[req.Method]
	if !ok {
		return rpc.NewError(req.ID, domain.Errorf(domain.CodeProtocolError, "unknown method %q", req.Method))
	}
	result, err := h(ctx, svc, req)
	if err != nil {
		return rpc.NewError(req.ID, err)
	}
	resp, err := rpc.NewResult(req.ID, result)
	if err != nil {
		return rpc.NewError(req.ID, err)
	}
	return resp
}

// metricMethod bounds the method label to the known methods.
func metricMethod(method string) string {
	if _, ok := handlers[method]; ok {
		return method
	}
	return "unknown"
}

// classAndFilter decodes the (class, filter?) parameters shared by find, findOne and delete.
func classAndFilter(req *rpc.Request) (domain.Ref, domain.Layout, error) {
	var class domain.Ref
	if err := req.Param(0, &class); err != nil {
		return "", nil, err
	}
	if class == "" {
		return "", nil, domain.Errorf(domain.CodeProtocolError, "%s: empty class", req.Method)
	}
	var filter domain.Layout
	if err := req.OptionalParam(1, &filter); err != nil {
		return "", nil, err
	}
	return class, filter, nil
}

func handleFind(ctx context.Context, svc session.Service, req *rpc.Request) (interface{}, error) {
	class, filter, err := classAndFilter(req)
	if err != nil {
		return nil, err
	}
	return svc.Find(ctx, class, filter)
}

func handleFindOne(ctx context.Context, svc session.Service, req *rpc.Request) (interface{}, error) {
	class, filter, err := classAndFilter(req)
	if err != nil {
		return nil, err
	}
	return svc.FindOne(ctx, class, filter)
}

func handleCommit(ctx context.Context, svc session.Service, req *rpc.Request) (interface{}, error) {
	var batch domain.CommitBatch
	if err := req.Param(0, &batch); err != nil {
		return nil, err
	}
	return svc.Commit(ctx, batch)
}

func handleDelete(ctx context.Context, svc session.Service, req *rpc.Request) (interface{}, error) {
	class, filter, err := classAndFilter(req)
	if err != nil {
		return nil, err
	}
	return svc.Delete(ctx, class, filter)
}

// handleLoad takes the domains to load as positional string parameters.
func handleLoad(ctx context.Context, svc session.Service, req *rpc.Request) (interface{}, error) {
	domains := make([]string, len(req.Params))
	for i := range req.Params {
		if err := req.Param(i, &domains[i]); err != nil {
			return nil, err
		}
	}
	return svc.Load(ctx, domains...)
}

func handlePing(ctx context.Context, svc session.Service, req *rpc.Request) (interface{}, error) {
	if err := svc.Ping(ctx); err != nil {
		return nil, err
	}
	return "pong", nil
}

// notificationFor renders a Session event as the message pushed to peers.
func notificationFor(ev session.Event) *rpc.Notification {
	switch ev.Kind {
	case session.EventDelete:
		return &rpc.Notification{
			Method: string(ev.Kind),
			Params: []interface{}{map[string]interface{}{"deleted": ev.Deleted}},
		}
	default:
		return &rpc.Notification{
			Method: string(ev.Kind),
			Params: []interface{}{map[string]interface{}{"created": ev.Created}},
		}
	}
}
