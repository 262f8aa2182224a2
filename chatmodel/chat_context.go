package chatmodel

import (
	"context"
	"sync"

	"github.com/effective-security/x/values"
	"github.com/google/uuid"
)

// ChatContext is the per-session context for the orchestration engine.
// It carries the session ID and request-scoped metadata.
type ChatContext interface {
	GetSessionID() string
	// AppData returns immutable app data
	AppData() any
	// GetMetadata retrieves metadata by key
	GetMetadata(key string) (value any, ok bool)
	// SetMetadata sets metadata by key
	SetMetadata(key string, value any)
}

type chatContext struct {
	sessionID string
	metadata  sync.Map
	appData   any
}

func (c *chatContext) GetSessionID() string {
	return c.sessionID
}

func (c *chatContext) AppData() any {
	return c.appData
}

func (c *chatContext) GetMetadata(key string) (value any, ok bool) {
	return c.metadata.Load(key)
}

func (c *chatContext) SetMetadata(key string, value any) {
	c.metadata.Store(key, value)
}

func NewChatContext(sessionID string, appData any) ChatContext {
	return &chatContext{
		sessionID: values.StringsCoalesce(sessionID, NewSessionID()),
		appData:   appData,
		metadata:  sync.Map{},
	}
}

type contextKey int

const (
	keyContext contextKey = iota
)

// WithChatContext returns a new context with ChatContext value
func WithChatContext(ctx context.Context, chatCtx ChatContext) context.Context {
	return context.WithValue(ctx, keyContext, chatCtx)
}

// GetChatContext retrieves the ChatContext from the context
func GetChatContext(ctx context.Context) ChatContext {
	if v, ok := ctx.Value(keyContext).(ChatContext); ok {
		return v
	}
	return nil
}

// GetSessionID retrieves the session ID from the provided context.
// If the context does not contain a ChatContext, it returns an empty string.
func GetSessionID(ctx context.Context) string {
	if v, ok := ctx.Value(keyContext).(ChatContext); ok {
		return v.GetSessionID()
	}
	return ""
}

// NewSessionID generates a new session ID.
func NewSessionID() string {
	return uuid.NewString()
}
