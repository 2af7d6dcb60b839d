package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/loomsync/loomsync/pkg/relay"
)

var errMissingIdentity = errors.New("missing workspace or user")

// fileAuthorizer resolves identity from the connection request and
// checks membership against an optional JSON file of the form
// {"workspace-id": ["user-a", "user-b"]}. Without a file every user is
// a member of every workspace, which suits local development only.
//
// Production deployments implement relay.Authorizer against their own
// identity service instead.
type fileAuthorizer struct {
	mu          sync.RWMutex
	memberships map[string][]string
}

func newFileAuthorizer(path string) (*fileAuthorizer, error) {
	a := &fileAuthorizer{}
	if path == "" {
		return a, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read memberships: %w", err)
	}
	memberships := make(map[string][]string)
	if err := json.Unmarshal(raw, &memberships); err != nil {
		return nil, fmt.Errorf("parse memberships: %w", err)
	}
	a.memberships = memberships
	return a, nil
}

// Authenticate reads the workspace and user from query parameters.
func (a *fileAuthorizer) Authenticate(r *http.Request) (string, string, error) {
	workspaceID := r.URL.Query().Get("workspace")
	userID := r.URL.Query().Get("user")
	if workspaceID == "" || userID == "" {
		return "", "", errMissingIdentity
	}
	return workspaceID, userID, nil
}

// IsWorkspaceMember checks the membership file; with no file loaded,
// everyone is a member.
func (a *fileAuthorizer) IsWorkspaceMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.memberships == nil {
		return true, nil
	}
	for _, member := range a.memberships[workspaceID] {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}

var _ relay.Authorizer = (*fileAuthorizer)(nil)
