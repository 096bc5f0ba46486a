package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Chapter image layout tags. Unknown tags fall back to LayoutStandard.
const (
	LayoutStandard  = "standard"
	LayoutFullScene = "full scene"
)

// DedicationPlaceholder is the default text seeded into new books; a
// dedication page is only printed when the user replaced it.
const DedicationPlaceholder = "Write your dedication here"

type Chapter struct {
	Title       string `json:"title"`
	Text        string `json:"text"`
	ImageURL    string `json:"image_url,omitempty"`
	ImageLayout string `json:"image_layout,omitempty"`
}

type PersonalizedBook struct {
	bun.BaseModel `bun:"table:personalized_books"`

	ID          string     `bun:"id,pk" json:"id"`
	TemplateID  string     `bun:"template_id,notnull" json:"template_id"`
	UserID      string     `bun:"user_id,notnull" json:"user_id"`
	Title       string     `bun:"title,notnull" json:"title"`
	ChildName   string     `bun:"child_name,notnull" json:"child_name"`
	ChildAge    int        `bun:"child_age" json:"child_age"`
	ChildGender string     `bun:"child_gender,nullzero" json:"child_gender,omitempty"`
	Dedication  string     `bun:"dedication,nullzero" json:"dedication,omitempty"`
	Chapters    []Chapter  `bun:"chapters,type:jsonb" json:"chapters"`
	Price       float64    `bun:"price,notnull" json:"price"`
	IsPaid      bool       `bun:"is_paid,notnull,default:false" json:"is_paid"`
	PaymentID   string     `bun:"payment_id,nullzero" json:"payment_id,omitempty"`
	PaymentDate *time.Time `bun:"payment_date,nullzero" json:"payment_date,omitempty"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// BookSummary is the read model returned by HTTP handlers; it carries no
// persistence concerns and omits chapter bodies.
type BookSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	ChildName string `json:"child_name"`
	IsPaid    bool   `json:"is_paid"`
	Chapters  int    `json:"chapters"`
}

func (b *PersonalizedBook) Summary() BookSummary {
	return BookSummary{
		ID:        b.ID,
		Title:     b.Title,
		ChildName: b.ChildName,
		IsPaid:    b.IsPaid,
		Chapters:  len(b.Chapters),
	}
}
