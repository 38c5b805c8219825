package ha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// maxErrorBody caps how much of a failed response is quoted in the error
const maxErrorBody = 256

// SetState creates or replaces an entity state via POST /api/states/<entity_id>.
// It does not need the WebSocket session.
func (c *Client) SetState(ctx context.Context, state *State) error {
	if state == nil || state.EntityID == "" {
		return fmt.Errorf("state has no entity_id")
	}

	body, err := json.Marshal(setStateRequest{
		State:      state.State,
		Attributes: state.Attributes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal state for %s: %w", state.EntityID, err)
	}

	endpoint := c.baseURL + "/api/states/" + url.PathEscape(state.EntityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to set state of %s: %w", state.EntityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("failed to set state of %s: HTTP %d: %s",
			state.EntityID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	io.Copy(io.Discard, resp.Body)

	c.logger.Debug("State set",
		zap.String("entity_id", state.EntityID),
		zap.String("state", state.State))
	return nil
}
