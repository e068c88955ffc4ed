package models

// EventType describes an event name producers are known to emit.
type EventType struct {
	Event    string `json:"event" mapstructure:"event"`
	Label    string `json:"label" mapstructure:"label"`
	Category string `json:"category" mapstructure:"category"`
}
