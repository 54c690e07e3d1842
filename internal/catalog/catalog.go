// Package catalog loads accounts, contacts, scenarios, transitions and
// enrollments from a YAML file into the store.
//
//	accounts:
//	  - id: shop
//	    credential: "123456:ABC"
//	contacts:
//	  - id: alice
//	    account: shop
//	    external_id: "100200300"
//	    registered_at: 2026-01-10T09:00:00Z
//	scenarios:
//	  - id: welcome
//	    account: shop
//	    steps:
//	      - policy: {kind: immediate}
//	        messages:
//	          - {kind: text, body: "Hi!"}
//	      - policy: {kind: relative, anchor: previous_step, offset: {days: 1}}
//	        messages:
//	          - {kind: card, title: "Day two", buttons: [{label: Shop, url: "https://example.com"}]}
//	transitions:
//	  - {from: welcome, to: upsell}
//	enrollments:
//	  - {scenario: welcome, contact: alice}
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"dripline/internal/scenario"
)

type File struct {
	Accounts    []Account    `yaml:"accounts"`
	Contacts    []Contact    `yaml:"contacts"`
	Scenarios   []Scenario   `yaml:"scenarios"`
	Transitions []Transition `yaml:"transitions"`
	Enrollments []Enrollment `yaml:"enrollments"`
}

type Account struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Transport  string `yaml:"transport"`
	Credential string `yaml:"credential"`
}

type Contact struct {
	ID           string    `yaml:"id"`
	Account      string    `yaml:"account"`
	ExternalID   string    `yaml:"external_id"`
	RegisteredAt time.Time `yaml:"registered_at"`
}

type Scenario struct {
	ID      string `yaml:"id"`
	Account string `yaml:"account"`
	Name    string `yaml:"name"`
	Steps   []Step `yaml:"steps"`
}

// Step positions follow list order. ID defaults to "<scenario>-s<position>".
type Step struct {
	ID       string          `yaml:"id"`
	Policy   scenario.Policy `yaml:"policy"`
	Messages []Message       `yaml:"messages"`
}

type Transition struct {
	From      string    `yaml:"from"`
	To        string    `yaml:"to"`
	CreatedAt time.Time `yaml:"created_at"`
}

type Enrollment struct {
	Scenario string `yaml:"scenario"`
	Contact  string `yaml:"contact"`
	Campaign string `yaml:"campaign"`
	Source   string `yaml:"source"`
}

// Message wraps a scenario message decoded from a mapping with a "kind" key
// and the kind's fields.
type Message struct {
	scenario.Message
}

func (m *Message) UnmarshalYAML(node *yaml.Node) error {
	var fields map[string]any
	if err := node.Decode(&fields); err != nil {
		return err
	}
	kind, _ := fields["kind"].(string)
	delete(fields, "kind")
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	msg, err := scenario.DecodeMessage(scenario.MessageKind(kind), payload)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	m.Message = msg
	return nil
}

// Parse decodes a catalog and checks it is self-consistent. Unknown keys are
// rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks required fields and cross references. Contacts and
// scenarios may reference accounts already in the store only when listed
// here too.
func (f *File) Validate() error {
	var errs []error
	accounts := map[string]bool{}
	for i, a := range f.Accounts {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: id is required", i))
		}
		accounts[a.ID] = true
	}
	contacts := map[string]bool{}
	for i, c := range f.Contacts {
		switch {
		case c.ID == "":
			errs = append(errs, fmt.Errorf("contacts[%d]: id is required", i))
		case c.ExternalID == "":
			errs = append(errs, fmt.Errorf("contacts[%d]: external_id is required", i))
		case !accounts[c.Account]:
			errs = append(errs, fmt.Errorf("contacts[%d]: unknown account %q", i, c.Account))
		}
		contacts[c.ID] = true
	}
	scenarios := map[string]bool{}
	for i, sc := range f.Scenarios {
		if sc.ID == "" {
			errs = append(errs, fmt.Errorf("scenarios[%d]: id is required", i))
		}
		if !accounts[sc.Account] {
			errs = append(errs, fmt.Errorf("scenarios[%d]: unknown account %q", i, sc.Account))
		}
		if len(sc.Steps) == 0 {
			errs = append(errs, fmt.Errorf("scenario %s: no steps", sc.ID))
		}
		for j, st := range sc.Steps {
			if err := validPolicy(st.Policy); err != nil {
				errs = append(errs, fmt.Errorf("scenario %s step %d: %w", sc.ID, j+1, err))
			}
			if len(st.Messages) == 0 {
				errs = append(errs, fmt.Errorf("scenario %s step %d: no messages", sc.ID, j+1))
			}
		}
		scenarios[sc.ID] = true
	}
	for i, t := range f.Transitions {
		if !scenarios[t.From] || !scenarios[t.To] {
			errs = append(errs, fmt.Errorf("transitions[%d]: %q -> %q references an unknown scenario", i, t.From, t.To))
		}
	}
	for i, e := range f.Enrollments {
		if !scenarios[e.Scenario] || !contacts[e.Contact] {
			errs = append(errs, fmt.Errorf("enrollments[%d]: unknown scenario %q or contact %q", i, e.Scenario, e.Contact))
		}
	}
	return errors.Join(errs...)
}

func validPolicy(p scenario.Policy) error {
	switch p.Kind {
	case scenario.PolicyImmediate:
	case scenario.PolicyRelative:
		switch p.Anchor {
		case scenario.AnchorRegistration, scenario.AnchorPreviousStep:
		default:
			return fmt.Errorf("relative policy needs anchor registration or previous_step, got %q", p.Anchor)
		}
	case scenario.PolicyAbsolute:
		if p.At.IsZero() {
			return errors.New("absolute policy needs at")
		}
	case scenario.PolicyTimeOfDay:
		if p.Hour < 0 || p.Hour > 23 || p.Minute < 0 || p.Minute > 59 {
			return fmt.Errorf("time_of_day %02d:%02d out of range", p.Hour, p.Minute)
		}
		if p.Timezone != "" {
			if _, err := time.LoadLocation(p.Timezone); err != nil {
				return fmt.Errorf("time_of_day timezone: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown policy kind %q", p.Kind)
	}
	return nil
}
