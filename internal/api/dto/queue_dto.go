package dto

type ProcessBatchRequest struct {
	BatchSize int `json:"batch_size"`
}

type EnqueueItemRequest struct {
	Artist       string `json:"artist"`
	Title        string `json:"title"`
	SourceURL    string `json:"source_url"`
	CatalogID    string `json:"catalog_id"`
	Payload      string `json:"payload" binding:"required"`
	ScheduledFor string `json:"scheduled_for"` // RFC3339, optional
}

type ListItemsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListItemsResponse struct {
	Items      []ItemDTO `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type ItemDTO struct {
	ItemID         string   `json:"item_id"`
	QueueName      string   `json:"queue_name"`
	Status         string   `json:"status"`
	DedupKey       string   `json:"dedup_key"`
	Slug           string   `json:"slug"`
	Attempts       int      `json:"attempts"`
	Payload        string   `json:"payload"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	StepsCompleted []string `json:"steps_completed"`
	ScheduledFor   string   `json:"scheduled_for,omitempty"`
	CreatedAt      string   `json:"created_at"`
	ProcessedAt    string   `json:"processed_at,omitempty"`
}
