// Package seed loads YAML fixtures describing users, servers, channels and
// conversations, and writes them through a chat.Store.
package seed

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Fixture is the root of a seed file.
type Fixture struct {
	Users          []UserFixture   `yaml:"users" validate:"dive"`
	Servers        []ServerFixture `yaml:"servers" validate:"dive"`
	DirectMessages []DMFixture     `yaml:"direct_messages" validate:"dive"`
}

// UserFixture is an account. DisplayName defaults to Username.
type UserFixture struct {
	Username    string `yaml:"username" validate:"required,max=64"`
	DisplayName string `yaml:"display_name" validate:"max=128"`
}

// ServerFixture is a server owned by Owner. Members are invited after creation,
// so they join every auto-add channel.
type ServerFixture struct {
	Name     string           `yaml:"name" validate:"required,max=100"`
	Owner    string           `yaml:"owner" validate:"required"`
	Members  []string         `yaml:"members" validate:"dive,required"`
	Channels []ChannelFixture `yaml:"channels" validate:"dive"`
}

// ChannelFixture is a channel in a server. A channel whose name matches a
// default channel reuses it instead of creating a second one.
type ChannelFixture struct {
	Name        string           `yaml:"name" validate:"required,max=100"`
	Description string           `yaml:"description"`
	Private     bool             `yaml:"private"`
	AutoAdd     bool             `yaml:"auto_add"`
	Everyone    bool             `yaml:"everyone"`
	Members     []string         `yaml:"members" validate:"dive,required"`
	Messages    []MessageFixture `yaml:"messages" validate:"dive"`
}

// DMFixture is a direct conversation between Participants.
type DMFixture struct {
	Participants []string         `yaml:"participants" validate:"required,min=1,dive,required"`
	Messages     []MessageFixture `yaml:"messages" validate:"dive"`
}

// MessageFixture is one message. From must be a member of the target.
type MessageFixture struct {
	From string `yaml:"from" validate:"required"`
	Text string `yaml:"text" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes and validates a fixture. Unknown keys are rejected.
//
// Postcondition: Returns a valid Fixture or an error naming the first problem.
func Parse(data []byte) (Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Fixture{}, fmt.Errorf("decoding fixture: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return Fixture{}, fmt.Errorf("validating fixture: %w", err)
	}
	if err := f.checkReferences(); err != nil {
		return Fixture{}, err
	}
	return f, nil
}

// Load reads and parses the fixture at path.
func Load(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("reading fixture %s: %w", path, err)
	}
	return Parse(data)
}

// checkReferences ensures every username mentioned is declared under users.
func (f Fixture) checkReferences() error {
	known := make(map[string]bool, len(f.Users))
	for _, u := range f.Users {
		if known[u.Username] {
			return fmt.Errorf("duplicate user %q", u.Username)
		}
		known[u.Username] = true
	}

	var missing []string
	check := func(where string, names ...string) {
		for _, n := range names {
			if !known[n] {
				missing = append(missing, fmt.Sprintf("%s: %q", where, n))
			}
		}
	}
	for _, srv := range f.Servers {
		check("server "+srv.Name+" owner", srv.Owner)
		check("server "+srv.Name+" members", srv.Members...)
		for _, ch := range srv.Channels {
			where := "channel " + srv.Name + "/" + ch.Name
			check(where+" members", ch.Members...)
			for _, m := range ch.Messages {
				check(where+" message", m.From)
			}
		}
	}
	for i, dm := range f.DirectMessages {
		where := fmt.Sprintf("direct_messages[%d]", i)
		check(where+" participants", dm.Participants...)
		for _, m := range dm.Messages {
			check(where+" message", m.From)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("undeclared users: %s", strings.Join(missing, "; "))
	}
	return nil
}
