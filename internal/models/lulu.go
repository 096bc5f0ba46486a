package models

// Vendor print-job statuses as reported by the fulfillment API.
const (
	LuluStatusCreated           = "CREATED"
	LuluStatusUnpaid            = "UNPAID"
	LuluStatusPaymentInProgress = "PAYMENT_IN_PROGRESS"
	LuluStatusProductionReady   = "PRODUCTION_READY"
	LuluStatusInProduction      = "IN_PRODUCTION"
	LuluStatusShipped           = "SHIPPED"
	LuluStatusRejected          = "REJECTED"
	LuluStatusCanceled          = "CANCELED"
)

// File validation statuses.
const (
	ValidationStatusValidated  = "VALIDATED"
	ValidationStatusNormalized = "NORMALIZED"
	ValidationStatusError      = "ERROR"
)

type LuluLineItem struct {
	Title        string `json:"title"`
	Quantity     int    `json:"quantity"`
	PodPackageID string `json:"pod_package_id"`
	PageCount    int    `json:"page_count,omitempty"`
	InteriorURL  string `json:"interior_url,omitempty"`
	CoverURL     string `json:"cover_url,omitempty"`
}

type LuluPrintJobRequest struct {
	ContactEmail      string          `json:"contact_email"`
	ExternalID        string          `json:"external_id"`
	LineItems         []LuluLineItem  `json:"line_items"`
	ShippingAddress   ShippingAddress `json:"shipping_address"`
	ShippingLevel     string          `json:"shipping_level"`
	ProductionDelayMs int             `json:"production_delay,omitempty"`
}

type LuluPrintJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type LuluJobStatus struct {
	ID       string        `json:"id"`
	Status   string        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Tracking *TrackingInfo `json:"tracking,omitempty"`
}
