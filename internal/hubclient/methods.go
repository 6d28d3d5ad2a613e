package hubclient

import "encoding/json"

// GetSteps calls get-steps with the given scopes and limit, returning
// the leased step ids. Mirrors worker.py's hub_client.get_steps usage.
func (c *Client) GetSteps(scopes []string, limit int, reverse bool) ([]string, error) {
	body, err := json.Marshal([]any{scopes, map[string]any{"limit": limit, "reverse": reverse}})
	if err != nil {
		return nil, err
	}
	reply, err := c.Call("get-steps", body)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(reply, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Done marks id successful.
func (c *Client) Done(id string) error {
	_, err := c.Call("done", []byte(id))
	return err
}

// Error reports a step's failure with msg/trace, mirroring worker.py's
// hub_client.error(step, msg, trace) call on a job timeout or exception.
func (c *Client) Error(id, msg, trace string) error {
	body, err := json.Marshal(map[string]string{"step_id": id, "msg": msg, "trace": trace})
	if err != nil {
		return err
	}
	_, err = c.Call("error", body)
	return err
}

// Cancel marks id (and its connected component) cancelled.
func (c *Client) Cancel(id string) error {
	_, err := c.Call("cancel", []byte(id))
	return err
}

// Reset restores id (and its connected component) to queued/pending.
func (c *Client) Reset(id string) error {
	_, err := c.Call("reset", []byte(id))
	return err
}
