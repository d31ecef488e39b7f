package model

import "time"

// Message represents a persisted chat message
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Draft is an inbound message before validation and persistence.
type Draft struct {
	Sender  string `json:"sender" validate:"required,max=64"`
	Content string `json:"content" validate:"required,max=4096"`
}
