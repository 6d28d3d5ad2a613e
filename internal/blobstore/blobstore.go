// Package blobstore fetches and stores Step definitions and step payload
// data by opaque key, keeping the DAG traversal's round trips isolated
// from the metadata store.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/buelon-hub/pipehub/internal/domain"
)

// ErrMiss is returned when a key has no stored blob.
var ErrMiss = errors.New("blobstore: miss")

// Store is the contract the state machine, scheduler, and dispatcher use
// to reach the blob store. Implementations must distinguish a miss
// (ErrMiss) from a transport error, since spec.md treats them
// differently: a step/<id> miss is fatal to the mutation in progress, a
// step-data/<id> miss is a recoverable failure surfaced to the caller.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

func stepKey(id string) string     { return "step/" + id }
func stepDataKey(id string) string { return "step-data/" + id }

// Client wraps a Store with the step/step-data key conventions and JSON
// (de)serialization of the Step definition.
type Client struct {
	store Store
}

func New(store Store) *Client {
	return &Client{store: store}
}

func (c *Client) GetStep(ctx context.Context, id string) (domain.Step, error) {
	raw, err := c.store.Get(ctx, stepKey(id))
	if err != nil {
		return domain.Step{}, err
	}
	var step domain.Step
	if err := json.Unmarshal(raw, &step); err != nil {
		return domain.Step{}, fmt.Errorf("decode step %s: %w", id, err)
	}
	return step, nil
}

func (c *Client) PutStep(ctx context.Context, step domain.Step) error {
	raw, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode step %s: %w", step.ID, err)
	}
	return c.store.Set(ctx, stepKey(step.ID), raw)
}

func (c *Client) GetData(ctx context.Context, id string) ([]byte, error) {
	return c.store.Get(ctx, stepDataKey(id))
}

func (c *Client) SetData(ctx context.Context, id string, data []byte) error {
	return c.store.Set(ctx, stepDataKey(id), data)
}

func (c *Client) DeleteData(ctx context.Context, id string) error {
	return c.store.Delete(ctx, stepDataKey(id))
}
