// Package demo holds sample commands and the end-to-end scenarios run by
// `polis-dispatch demo`.
package demo

import (
	"context"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/polisai/polis-dispatch/pkg/commandbus"
	"github.com/polisai/polis-dispatch/pkg/eventbus"
	"github.com/polisai/polis-dispatch/pkg/taxonomy"
)

// Counter is shared state mutated by IncrementCounter.
type Counter struct {
	mu    sync.Mutex
	value int
}

// Add adjusts the counter and returns the new value.
func (c *Counter) Add(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += delta
	return c.value
}

// Value returns the current count.
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// IncrementCounter adds one to a Counter. Undo subtracts it again.
type IncrementCounter struct {
	Counter *Counter
}

// Name implements commandbus.Command.
func (IncrementCounter) Name() string { return "IncrementCounter" }

// Description implements commandbus.Describer.
func (IncrementCounter) Description() string { return "Increments the counter by one" }

// Execute implements commandbus.Command.
func (c IncrementCounter) Execute(context.Context, any, commandbus.Metadata) (any, error) {
	return c.Counter.Add(1), nil
}

// Undo implements commandbus.Undoer.
func (c IncrementCounter) Undo(context.Context, commandbus.ExecutedCommand) error {
	c.Counter.Add(-1)
	return nil
}

// EventUserRegistered is published after a successful registration.
const EventUserRegistered = "UserRegistered"

// MinPasswordLength is the shortest password RegisterUser accepts.
const MinPasswordLength = 8

// User is a registered account.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
}

// UserDirectory is an in-memory user registry keyed by lower-cased email.
type UserDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewUserDirectory creates an empty directory.
func NewUserDirectory() *UserDirectory {
	return &UserDirectory{users: make(map[string]User)}
}

// Lookup returns the user registered under email.
func (d *UserDirectory) Lookup(email string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[strings.ToLower(email)]
	return u, ok
}

// Roles returns the roles of the user with id, used for policy identity.
func (d *UserDirectory) Roles(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.users {
		if u.ID == id {
			return slices.Clone(u.Roles)
		}
	}
	return nil
}

// Len returns the number of users.
func (d *UserDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

func (d *UserDirectory) add(u User) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, exists := d.users[key]; exists {
		return false
	}
	d.users[key] = u
	return true
}

func (d *UserDirectory) remove(email string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToLower(email)
	_, ok := d.users[key]
	delete(d.users, key)
	return ok
}

// RegisterUserInput is the RegisterUser payload.
type RegisterUserInput struct {
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Password string   `json:"password"`
	Roles    []string `json:"roles,omitempty"`
}

// RegisterUser creates an account and announces it with a UserRegistered
// event. Undo removes the account.
type RegisterUser struct {
	Directory *UserDirectory
	// Events receives UserRegistered; nil disables the announcement.
	Events commandbus.Publisher
}

// Name implements commandbus.Command.
func (RegisterUser) Name() string { return "RegisterUser" }

// Description implements commandbus.Describer.
func (RegisterUser) Description() string { return "Registers a new user account" }

// Validate implements commandbus.Validator. Missing fields are reported
// individually; a short password or malformed email fails validation.
func (RegisterUser) Validate(_ context.Context, input any) (bool, error) {
	in, err := registerInput(input)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(in.Email) == "" {
		return false, taxonomy.RequiredField("email")
	}
	if in.Password == "" {
		return false, taxonomy.RequiredField("password")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return false, nil
	}
	return len(in.Password) >= MinPasswordLength, nil
}

// Execute implements commandbus.Command.
func (c RegisterUser) Execute(ctx context.Context, input any, meta commandbus.Metadata) (any, error) {
	in, err := registerInput(input)
	if err != nil {
		return nil, err
	}

	user := User{
		ID:    uuid.NewString(),
		Email: strings.TrimSpace(in.Email),
		Name:  in.Name,
		Roles: slices.Clone(in.Roles),
	}
	if !c.Directory.add(user) {
		return nil, taxonomy.AlreadyExists("user", taxonomy.WithDetail("email", user.Email))
	}

	if c.Events != nil {
		event := eventbus.NewEvent(EventUserRegistered, user).
			WithCorrelation(meta.CorrelationID).
			WithUser(user.ID)
		event.Metadata.Locale = meta.Locale
		if _, err := c.Events.Publish(ctx, event); err != nil {
			return nil, taxonomy.Internal("announce registration",
				taxonomy.WithCause(err),
				taxonomy.WithDetail("user_id", user.ID),
			)
		}
	}
	return user, nil
}

// Undo implements commandbus.Undoer.
func (c RegisterUser) Undo(_ context.Context, entry commandbus.ExecutedCommand) error {
	user, ok := entry.Output.(User)
	if !ok {
		return taxonomy.Internal("unexpected RegisterUser output",
			taxonomy.WithDetail("type", fmt.Sprintf("%T", entry.Output)))
	}
	if !c.Directory.remove(user.Email) {
		return taxonomy.NotFound("user", taxonomy.WithDetail("email", user.Email))
	}
	return nil
}

// Redo implements commandbus.Redoer. The account is restored with its
// original id and not announced again.
func (c RegisterUser) Redo(_ context.Context, entry commandbus.ExecutedCommand) (any, error) {
	user, ok := entry.Output.(User)
	if !ok {
		return nil, taxonomy.Internal("unexpected RegisterUser output",
			taxonomy.WithDetail("type", fmt.Sprintf("%T", entry.Output)))
	}
	if !c.Directory.add(user) {
		return nil, taxonomy.AlreadyExists("user", taxonomy.WithDetail("email", user.Email))
	}
	return user, nil
}

// DeleteUser removes an account. Authorization policy restricts it to
// administrators.
type DeleteUser struct {
	Directory *UserDirectory
}

// Name implements commandbus.Command.
func (DeleteUser) Name() string { return "DeleteUser" }

// Execute implements commandbus.Command. input is the email to delete.
func (c DeleteUser) Execute(_ context.Context, input any, _ commandbus.Metadata) (any, error) {
	email, ok := input.(string)
	if !ok || strings.TrimSpace(email) == "" {
		return nil, taxonomy.RequiredField("email")
	}
	if !c.Directory.remove(email) {
		return nil, taxonomy.NotFound("user", taxonomy.WithDetail("email", email))
	}
	return email, nil
}

func registerInput(input any) (RegisterUserInput, error) {
	switch in := input.(type) {
	case RegisterUserInput:
		return in, nil
	case *RegisterUserInput:
		if in != nil {
			return *in, nil
		}
	}
	return RegisterUserInput{}, taxonomy.Validation("RegisterUser expects RegisterUserInput",
		taxonomy.WithDetail("type", fmt.Sprintf("%T", input)))
}
