package protocol

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusFinalized Status = "finalized"
)

type SplitType string

const (
	SplitEqual    SplitType = "equal"
	SplitItemized SplitType = "itemized"
	SplitCustom   SplitType = "custom"
)

// Valid reports whether s is a known split strategy.
func (s SplitType) Valid() bool {
	return s == SplitEqual || s == SplitItemized || s == SplitCustom
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// Where an item came from. Voice items enter through the HTTP entry point.
type ItemSource string

const (
	SourceClient ItemSource = "client"
	SourceVoice  ItemSource = "voice"
)

type Participant struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"displayName"`
	Role            Role      `json:"role"`
	ConnectionCount int       `json:"connectionCount"`
	Online          bool      `json:"online"`
	JoinedAt        time.Time `json:"joinedAt"`
	LastSeenAt      time.Time `json:"lastSeenAt"`
}

type Item struct {
	ID            string     `json:"id"`
	DishName      string     `json:"dishName"`
	DishType      string     `json:"dishType,omitempty"`
	Quantity      int        `json:"quantity"`
	UnitPrice     int64      `json:"unitPrice"`
	Customization string     `json:"customization,omitempty"`
	AddedBy       string     `json:"addedByParticipantId"`
	AddedAt       time.Time  `json:"addedAt"`
	Source        ItemSource `json:"source,omitempty"`
}

// Upper bounds on a single line. Together they keep every subtotal and
// room total far from int64 overflow.
const (
	MaxQuantity  = 1000
	MaxUnitPrice = int64(100_000_000)
)

// Subtotal is unitPrice × quantity.
func (i Item) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// Share is one participant's portion of the total.
type Share struct {
	Amount         int64   `json:"amount"`
	PercentOfTotal float64 `json:"percentOfTotal"`
	ItemCount      int     `json:"itemCount,omitempty"`
}

type SplitBreakdown struct {
	Type             SplitType        `json:"type"`
	Total            int64            `json:"total"`
	Shares           map[string]Share `json:"shares"`
	CustomSplitValid bool             `json:"customSplitValid"`
}

// Room is the full serializable state of one shared order. It is used both
// for sync frames and for durable snapshots.
type Room struct {
	ID                 string           `json:"id"`
	TenantID           string           `json:"tenantId"`
	CircleID           string           `json:"circleId"`
	OwnerID            string           `json:"ownerParticipantId"`
	Participants       []Participant    `json:"participants"`
	Items              []Item           `json:"items"`
	Total              int64            `json:"total"`
	SplitType          SplitType        `json:"splitType"`
	CustomSplitAmounts map[string]int64 `json:"customSplitAmounts,omitempty"`
	Split              SplitBreakdown   `json:"split"`
	Status             Status           `json:"status"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
	FinalizedAt        *time.Time       `json:"finalizedAt,omitempty"`
}

// ComputeTotal sums unitPrice × quantity over the items.
func (r *Room) ComputeTotal() int64 {
	var total int64
	for _, item := range r.Items {
		total += item.Subtotal()
	}
	return total
}

// Participant returns the participant with id, if present.
func (r *Room) Participant(id string) (*Participant, bool) {
	for i := range r.Participants {
		if r.Participants[i].ID == id {
			return &r.Participants[i], true
		}
	}
	return nil, false
}

// ParticipantIDs lists participant ids in join order.
func (r *Room) ParticipantIDs() []string {
	ids := make([]string, len(r.Participants))
	for i, p := range r.Participants {
		ids[i] = p.ID
	}
	return ids
}

// ItemIndex returns the position of the item with id, or -1.
func (r *Room) ItemIndex(id string) int {
	for i := range r.Items {
		if r.Items[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Room) Finalized() bool {
	return r.Status == StatusFinalized
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.Participants = append([]Participant(nil), r.Participants...)
	c.Items = append([]Item(nil), r.Items...)
	if r.CustomSplitAmounts != nil {
		c.CustomSplitAmounts = make(map[string]int64, len(r.CustomSplitAmounts))
		for k, v := range r.CustomSplitAmounts {
			c.CustomSplitAmounts[k] = v
		}
	}
	if r.Split.Shares != nil {
		c.Split.Shares = make(map[string]Share, len(r.Split.Shares))
		for k, v := range r.Split.Shares {
			c.Split.Shares[k] = v
		}
	}
	if r.FinalizedAt != nil {
		t := *r.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}
