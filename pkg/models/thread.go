package models

// Thread is one conversation's metadata record. A thread belongs to exactly
// one user; no store operation returns or mutates a thread for a user that
// does not own it.
type Thread struct {
	ID string `json:"id"`
	// User is the opaque authenticated identity owning this thread.
	User  string `json:"user"`
	Title string `json:"title,omitempty"`
	// Metadata is free-form; the orchestration layer uses it for things
	// like inferred titles and client hints.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// Updated timestamp (ns) - last time metadata or thread activity changed
	UpdatedTS int64 `json:"updated_ts,omitempty"`
}
