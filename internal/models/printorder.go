package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Print order lifecycle. After submission the local status mirrors the
// vendor's job status, lower-cased; "error" is local-only.
const (
	OrderStatusDraft             = "draft"
	OrderStatusCreated           = "created"
	OrderStatusUnpaid            = "unpaid"
	OrderStatusPaymentInProgress = "payment_in_progress"
	OrderStatusProductionReady   = "production_ready"
	OrderStatusInProduction      = "in_production"
	OrderStatusShipped           = "shipped"
	OrderStatusRejected          = "rejected"
	OrderStatusCanceled          = "canceled"
	OrderStatusError             = "error"
)

type ShippingAddress struct {
	Name        string `json:"name"`
	Street1     string `json:"street1"`
	Street2     string `json:"street2,omitempty"`
	City        string `json:"city"`
	StateCode   string `json:"state_code,omitempty"`
	PostalCode  string `json:"postal_code"`
	CountryCode string `json:"country_code"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

type CostBreakdown struct {
	LineItemCost     float64 `json:"line_item_cost"`
	ShippingCost     float64 `json:"shipping_cost"`
	TotalTax         float64 `json:"total_tax"`
	TotalCostInclTax float64 `json:"total_cost_incl_tax"`
	Currency         string  `json:"currency"`
}

type TrackingInfo struct {
	TrackingID   string   `json:"tracking_id,omitempty"`
	TrackingURLs []string `json:"tracking_urls,omitempty"`
	Carrier      string   `json:"carrier,omitempty"`
}

type PrintOrder struct {
	bun.BaseModel `bun:"table:print_orders"`

	ID              string          `bun:"id,pk" json:"id"`
	UserID          string          `bun:"user_id,notnull" json:"user_id"`
	BookID          string          `bun:"book_id,notnull" json:"book_id"`
	ServiceOptionID string          `bun:"service_option_id,notnull" json:"service_option_id"`
	Quantity        int             `bun:"quantity,notnull" json:"quantity"`
	ShippingAddress ShippingAddress `bun:"shipping_address,type:jsonb" json:"shipping_address"`
	ShippingLevel   string          `bun:"shipping_level,notnull" json:"shipping_level"`
	ContactEmail    string          `bun:"contact_email,notnull" json:"contact_email"`
	PageCount       int             `bun:"page_count,notnull" json:"page_count"`
	Cost            *CostBreakdown  `bun:"cost,type:jsonb" json:"cost,omitempty"`
	LuluPrintJobID  string          `bun:"lulu_print_job_id,nullzero" json:"lulu_print_job_id,omitempty"`
	Status          string          `bun:"status,notnull" json:"status"`
	PaymentStatus   string          `bun:"payment_status,nullzero" json:"payment_status,omitempty"`
	Tracking        *TrackingInfo   `bun:"tracking,type:jsonb" json:"tracking,omitempty"`
	CreatedAt       time.Time       `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt       time.Time       `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

// ServiceOption describes a printable product configuration. The POD package
// id encodes trim size, color, binding, paper and finish for the vendor.
type ServiceOption struct {
	bun.BaseModel `bun:"table:service_options"`

	ID           string  `bun:"id,pk" json:"id"`
	Name         string  `bun:"name,notnull" json:"name"`
	PodPackageID string  `bun:"pod_package_id,notnull" json:"pod_package_id"`
	TrimSize     string  `bun:"trim_size" json:"trim_size"`
	Binding      string  `bun:"binding" json:"binding"`
	Paper        string  `bun:"paper" json:"paper"`
	MinPages     int     `bun:"min_pages,notnull" json:"min_pages"`
	MaxPages     int     `bun:"max_pages,notnull" json:"max_pages"`
	BasePrice    float64 `bun:"base_price,notnull" json:"base_price"`
}

type CreatePrintOrderRequest struct {
	PersonalizedBookID string          `json:"personalized_book_id"`
	ServiceOptionID    string          `json:"service_option_id"`
	Quantity           int             `json:"quantity"`
	ShippingAddress    ShippingAddress `json:"shipping_address"`
	ShippingLevel      string          `json:"shipping_level"`
	ContactEmail       string          `json:"contact_email"`
}

type CreatePrintOrderResponse struct {
	PrintOrder    *PrintOrder    `json:"print_order"`
	Cost          *CostBreakdown `json:"cost_breakdown"`
	ServiceOption *ServiceOption `json:"service_option"`
	Book          BookSummary    `json:"book"`
}

// PrintOrderView is the read model returned by status endpoints.
type PrintOrderView struct {
	ID             string         `json:"id"`
	BookID         string         `json:"book_id"`
	Status         string         `json:"status"`
	PaymentStatus  string         `json:"payment_status,omitempty"`
	Quantity       int            `json:"quantity"`
	PageCount      int            `json:"page_count"`
	Cost           *CostBreakdown `json:"cost,omitempty"`
	LuluPrintJobID string         `json:"lulu_print_job_id,omitempty"`
	Tracking       *TrackingInfo  `json:"tracking,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (o *PrintOrder) View() *PrintOrderView {
	return &PrintOrderView{
		ID:             o.ID,
		BookID:         o.BookID,
		Status:         o.Status,
		PaymentStatus:  o.PaymentStatus,
		Quantity:       o.Quantity,
		PageCount:      o.PageCount,
		Cost:           o.Cost,
		LuluPrintJobID: o.LuluPrintJobID,
		Tracking:       o.Tracking,
		CreatedAt:      o.CreatedAt,
	}
}
