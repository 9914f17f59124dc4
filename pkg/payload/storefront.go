package payload

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/nodeart/dalbridge/pkg/constants"
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{constants.ErrMalformedPayload}, args...)...)
}

type BasketItem struct {
	ProductID  string            `json:"productId"`
	Quantity   int               `json:"quantity"`
	Price      float64           `json:"price,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (i BasketItem) Validate() error {
	if i.ProductID == "" {
		return malformed("basket item: productId is required")
	}
	if i.Quantity < 1 {
		return malformed("basket item %s: quantity %d", i.ProductID, i.Quantity)
	}
	return nil
}

// Basket is the whole-basket snapshot stored under basket/<id>.
type Basket struct {
	Items     []BasketItem `json:"items"`
	UpdatedAt int64        `json:"updatedAt,omitempty"`
}

func (b Basket) Validate() error {
	for _, i := range b.Items {
		if err := i.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// BasketHistoryEntry is appended under basket-history/<id>.
type BasketHistoryEntry struct {
	Action    string `json:"action"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity,omitempty"`
	At        int64  `json:"at"`
}

func (e BasketHistoryEntry) Validate() error {
	if e.Action == "" || e.ProductID == "" {
		return malformed("basket history: action and productId are required")
	}
	return nil
}

type Product struct {
	Name       string            `json:"name"`
	Price      float64           `json:"price,omitempty"`
	Category   string            `json:"category,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (p Product) Validate() error {
	if p.Name == "" {
		return malformed("product: name is required")
	}
	if p.Price < 0 {
		return malformed("product %s: negative price", p.Name)
	}
	return nil
}

type Order struct {
	Items    []BasketItem      `json:"items"`
	Total    float64           `json:"total"`
	Customer map[string]string `json:"customer,omitempty"`
	Status   string            `json:"status,omitempty"`
	Payment  json.RawMessage   `json:"payment,omitempty"`
}

func (o Order) Validate() error {
	if o.Total < 0 {
		return malformed("order: negative total")
	}
	for _, i := range o.Items {
		if err := i.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// PaymentRequest is appended under token-requests; the payment processor
// answers under token-response/<same key>.
type PaymentRequest struct {
	Data      json.RawMessage `json:"data"`
	PayMethod string          `json:"payMethod"`
}

type PaymentResponse struct {
	Status string          `json:"status"`
	Token  string          `json:"token,omitempty"`
	Error  string          `json:"error,omitempty"`
	Extra  json.RawMessage `json:"extra,omitempty"`
}

type Category struct {
	Name   string  `json:"name"`
	Parent string  `json:"parent,omitempty"`
	Attrs  RefList `json:"attrs,omitempty"`
	Tags   RefList `json:"tags,omitempty"`
}

func (c Category) Validate() error {
	if c.Name == "" {
		return malformed("category: name is required")
	}
	return nil
}

type Attribute struct {
	Name   string   `json:"name"`
	Values []string `json:"values,omitempty"`
}

func (a Attribute) Validate() error {
	if a.Name == "" {
		return malformed("attribute: name is required")
	}
	return nil
}

type Tag struct {
	Name string `json:"name"`
}

func (t Tag) Validate() error {
	if t.Name == "" {
		return malformed("tag: name is required")
	}
	return nil
}

// LegacySeed is the placeholder older tooling wrote into new category
// attrs/tags lists before any real reference existed.
const LegacySeed = "1234"

// RefList is an ordered list of keys referencing other nodes. It decodes from
// an array or from the index-keyed object a sparse array reads back as.
type RefList []string

func (r *RefList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var byIndex map[string]string
		if err := json.Unmarshal(data, &byIndex); err != nil {
			return err
		}
		idx := make([]int, 0, len(byIndex))
		for k := range byIndex {
			i, err := strconv.Atoi(k)
			if err != nil {
				return fmt.Errorf("ref list: non-index key %q", k)
			}
			idx = append(idx, i)
		}
		sort.Ints(idx)
		out := make(RefList, 0, len(idx))
		for _, i := range idx {
			out = append(out, byIndex[strconv.Itoa(i)])
		}
		*r = out
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*r = list
	return nil
}

// IsLegacySeed reports whether the list is the untouched ["1234","1234"] placeholder.
func (r RefList) IsLegacySeed() bool {
	return len(r) == 2 && r[0] == LegacySeed && r[1] == LegacySeed
}

// WithoutSeed drops placeholder entries.
func (r RefList) WithoutSeed() RefList {
	out := make(RefList, 0, len(r))
	for _, k := range r {
		if k != LegacySeed {
			out = append(out, k)
		}
	}
	return out
}

// UserProfile is stored under user/<uuid>. The password never reaches the store.
// Fields are stored next to email and firebaseUId, not nested, and cannot
// override either of them.
type UserProfile struct {
	Email       string
	FirebaseUID string
	Fields      map[string]string
}

const (
	emailField       = "email"
	firebaseUIDField = "firebaseUId"
)

func (p UserProfile) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(p.Fields)+2)
	for k, v := range p.Fields {
		out[k] = v
	}
	out[emailField] = p.Email
	out[firebaseUIDField] = p.FirebaseUID
	return json.Marshal(out)
}

// UnmarshalJSON keeps non-string extras in their JSON form.
func (p *UserProfile) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = UserProfile{}
	for k, v := range raw {
		var str string
		isString := json.Unmarshal(v, &str) == nil
		switch k {
		case emailField:
			p.Email = str
		case firebaseUIDField:
			p.FirebaseUID = str
		default:
			if p.Fields == nil {
				p.Fields = map[string]string{}
			}
			if isString {
				p.Fields[k] = str
			} else {
				p.Fields[k] = string(v)
			}
		}
	}
	return nil
}

// ComparisonEntry is appended under comparison/<id>.
type ComparisonEntry struct {
	ProductID string  `json:"productId"`
	Product   Product `json:"product"`
}

func (e ComparisonEntry) Validate() error {
	if e.ProductID == "" {
		return malformed("comparison entry: productId is required")
	}
	return nil
}
