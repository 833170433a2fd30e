package claims

import (
	"encoding/json"
	"fmt"
)

// Constraint is a per-claim request per OpenID Connect Core 5.5: either
// null (claim requested with default handling) or an object carrying
// essential, value and/or values members.
type Constraint struct {
	Essential bool  `json:"essential,omitempty"`
	Value     any   `json:"value,omitempty"`
	Values    []any `json:"values,omitempty"`

	null bool
}

// Null constructs the `"claim": null` constraint shape.
func Null() *Constraint {
	return &Constraint{null: true}
}

// Essential constructs the `{"essential": <b>}` constraint shape.
func Essential(essential bool) *Constraint {
	return &Constraint{Essential: essential}
}

// SingleValue constructs the `{"value": <v>}` constraint shape.
func SingleValue(value any) *Constraint {
	return &Constraint{Value: value}
}

// ValueList constructs the `{"values": [...]}` constraint shape.
func ValueList(values ...any) *Constraint {
	return &Constraint{Values: values}
}

func (c *Constraint) IsNull() bool {
	return c == nil || c.null
}

func (c *Constraint) MarshalJSON() ([]byte, error) {
	if c.IsNull() {
		return []byte("null"), nil
	}
	type constraint Constraint
	return json.Marshal((*constraint)(c))
}

func (c *Constraint) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = Constraint{null: true}
		return nil
	}
	type constraint Constraint
	var parsed constraint
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	*c = Constraint(parsed)
	return nil
}

// Request is the decoded `claims` authorization parameter: two independent
// constraint sets, one for the ID Token and one for the UserInfo response.
// Insertion order of claim names is preserved.
type Request struct {
	idToken  *constraintSet
	userinfo *constraintSet
}

type constraintSet struct {
	names       []string
	constraints map[string]*Constraint
}

func newConstraintSet() *constraintSet {
	return &constraintSet{constraints: make(map[string]*Constraint)}
}

func (cs *constraintSet) add(name string, c *Constraint) {
	if _, ok := cs.constraints[name]; !ok {
		cs.names = append(cs.names, name)
	}
	cs.constraints[name] = c
}

func NewRequest() *Request {
	return &Request{idToken: newConstraintSet(), userinfo: newConstraintSet()}
}

// AddIDTokenClaim requests a claim for the ID Token.
func (r *Request) AddIDTokenClaim(name string, c *Constraint) {
	r.idToken.add(name, c)
}

// AddUserinfoClaim requests a claim for the UserInfo response.
func (r *Request) AddUserinfoClaim(name string, c *Constraint) {
	r.userinfo.add(name, c)
}

func (r *Request) IDTokenClaim(name string) (*Constraint, bool) {
	c, ok := r.idToken.constraints[name]
	return c, ok
}

func (r *Request) UserinfoClaim(name string) (*Constraint, bool) {
	c, ok := r.userinfo.constraints[name]
	return c, ok
}

func (r *Request) IDTokenClaimNames() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.idToken.names...)
}

func (r *Request) UserinfoClaimNames() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.userinfo.names...)
}

func (r *Request) Empty() bool {
	return r == nil || (len(r.idToken.names) == 0 && len(r.userinfo.names) == 0)
}

// Merge folds other into r as a union. When the same claim is constrained
// in both, the constraint from other wins: Merge is called with the request
// object's claims as other, and the integrity-protected source is treated
// as authoritative over plain query parameters.
func (r *Request) Merge(other *Request) {
	if other == nil {
		return
	}
	for _, name := range other.idToken.names {
		r.idToken.add(name, other.idToken.constraints[name])
	}
	for _, name := range other.userinfo.names {
		r.userinfo.add(name, other.userinfo.constraints[name])
	}
}

type requestJSON struct {
	IDToken  json.RawMessage `json:"id_token,omitempty"`
	Userinfo json.RawMessage `json:"userinfo,omitempty"`
}

func (r *Request) MarshalJSON() ([]byte, error) {
	out := requestJSON{}
	var err error
	if len(r.idToken.names) > 0 {
		if out.IDToken, err = r.idToken.marshal(); err != nil {
			return nil, err
		}
	}
	if len(r.userinfo.names) > 0 {
		if out.Userinfo, err = r.userinfo.marshal(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (cs *constraintSet) marshal() ([]byte, error) {
	set := NewSet()
	for _, name := range cs.names {
		set.Set(name, cs.constraints[name])
	}
	return json.Marshal(set)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	parsed, err := ParseRequest(data)
	if err != nil {
		return err
	}
	*r = *parsed
	return nil
}

// ParseRequest decodes the JSON value of the `claims` parameter.
func ParseRequest(data []byte) (*Request, error) {
	var raw requestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding claims parameter: %w", err)
	}
	r := NewRequest()
	if err := parseConstraints(raw.IDToken, r.idToken); err != nil {
		return nil, fmt.Errorf("id_token member: %w", err)
	}
	if err := parseConstraints(raw.Userinfo, r.userinfo); err != nil {
		return nil, fmt.Errorf("userinfo member: %w", err)
	}
	return r, nil
}

func parseConstraints(data json.RawMessage, cs *constraintSet) error {
	if len(data) == 0 {
		return nil
	}
	set, err := ParseSet(data)
	if err != nil {
		return err
	}
	for _, name := range set.Names() {
		value, _ := set.Get(name)
		if value == nil {
			cs.add(name, Null())
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return err
		}
		var c Constraint
		if err := json.Unmarshal(encoded, &c); err != nil {
			return fmt.Errorf("claim %q: %w", name, err)
		}
		cs.add(name, &c)
	}
	return nil
}
