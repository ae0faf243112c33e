package protocol

import (
	"context"
	"net/http"
)

// CreateSession creates a new session on the server.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, EndpointSessions, req, &s); err != nil {
		return nil, err
	}
	if err := c.validator.ValidateID("id", s.ID); err != nil {
		return nil, c.wrapProtocolError(http.MethodPost, EndpointSessions, "", "server returned a session without id", err)
	}
	return &s, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := c.validator.ValidateID("sessionID", id); err != nil {
		return nil, err
	}
	var s Session
	if err := c.do(ctx, http.MethodGet, sessionPath(id), nil, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		s.ID = id
	}
	return &s, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.do(ctx, http.MethodGet, EndpointSessions, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	if err := c.validator.ValidateID("sessionID", id); err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, sessionPath(id), nil, nil)
}

// AbortSession stops whatever the session is currently generating.
func (c *Client) AbortSession(ctx context.Context, id string) error {
	if err := c.validator.ValidateID("sessionID", id); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, sessionPath(id, "abort"), nil, nil)
}

// SendMessage posts a prompt. The server replies when the model finishes,
// so this call uses the long timeout.
func (c *Client) SendMessage(ctx context.Context, id string, req MessageRequest) (*MessageResponse, error) {
	if err := c.validator.ValidateID("sessionID", id); err != nil {
		return nil, err
	}
	if err := c.validator.ValidateMessageRequest(&req); err != nil {
		return nil, err
	}
	var resp MessageResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "message"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SendCommand(ctx context.Context, id string, req CommandRequest) (*MessageResponse, error) {
	if err := c.validator.ValidateID("sessionID", id); err != nil {
		return nil, err
	}
	if err := c.validator.ValidateCommandRequest(&req); err != nil {
		return nil, err
	}
	var resp MessageResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "command"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RespondPermission answers a pending permission request.
func (c *Client) RespondPermission(ctx context.Context, sessionID, requestID string, approved bool, reason string) error {
	if err := c.validator.ValidateID("sessionID", sessionID); err != nil {
		return err
	}
	if err := c.validator.ValidateID("requestID", requestID); err != nil {
		return err
	}
	body := PermissionResponse{Response: PermissionReject, Reason: reason}
	if approved {
		body.Response = PermissionOnce
	}
	return c.do(ctx, http.MethodPost, sessionPath(sessionID, "permissions", requestID), body, nil)
}
