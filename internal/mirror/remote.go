package mirror

import (
	"context"

	"github.com/objectwire/objectwire/internal/client"
)

// clientRemote adapts the callback-based connection to the synchronous Remote
// interface the cache consumes.
type clientRemote struct {
	conn *client.Client
}

// NewClientRemote wraps a server connection for use as the cache's Remote.
func NewClientRemote(conn *client.Client) Remote {
	return &clientRemote{conn: conn}
}

func (r *clientRemote) Fetch(ctx context.Context, entityName string, resourceID int64) (map[string]any, error) {
	type result struct {
		values map[string]any
		err    error
	}
	ch := make(chan result, 1)
	call := r.conn.Get(ctx, entityName, resourceID, func(values map[string]any, err error) {
		ch <- result{values: values, err: err}
	})
	select {
	case res := <-ch:
		return res.values, res.err
	case <-ctx.Done():
		call.Cancel()
		return nil, ctx.Err()
	}
}

func (r *clientRemote) Create(ctx context.Context, entityName string, initial map[string]any) (int64, error) {
	type result struct {
		id  int64
		err error
	}
	ch := make(chan result, 1)
	call := r.conn.Create(ctx, entityName, initial, func(id int64, err error) {
		ch <- result{id: id, err: err}
	})
	select {
	case res := <-ch:
		return res.id, res.err
	case <-ctx.Done():
		call.Cancel()
		return 0, ctx.Err()
	}
}

func (r *clientRemote) Edit(ctx context.Context, entityName string, resourceID int64, changes map[string]any) error {
	ch := make(chan error, 1)
	call := r.conn.Edit(ctx, entityName, resourceID, changes, func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		call.Cancel()
		return ctx.Err()
	}
}

func (r *clientRemote) Delete(ctx context.Context, entityName string, resourceID int64) error {
	ch := make(chan error, 1)
	call := r.conn.Delete(ctx, entityName, resourceID, func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		call.Cancel()
		return ctx.Err()
	}
}
