package entities

import (
	"errors"
	"time"
)

// Device is a registered teddy bear that may open a conversation bridge
type Device struct {
	ID           string    `json:"id" bson:"_id" db:"id"`
	SerialNumber string    `json:"serial_number" bson:"serial_number" db:"serial_number"`
	SecretKey    string    `json:"-" bson:"secret_key" db:"secret_key"`
	Model        string    `json:"model" bson:"model" db:"model"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at" db:"created_at"`
}

func (d *Device) Validate() error {
	if d.SerialNumber == "" {
		return errors.New("serial number is required")
	}
	if d.Model == "" {
		return errors.New("model is required")
	}
	return nil
}
