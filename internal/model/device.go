package model

import "time"

// DoorStatus はリレーの状態から導いた扉の状態。
type DoorStatus string

const (
	DoorOpen    DoorStatus = "Open"
	DoorClosed  DoorStatus = "Closed"
	DoorUnknown DoorStatus = "Unknown"
)

// DeviceFailure はデバイス操作の失敗種別。
type DeviceFailure string

const (
	DeviceFailureNone          DeviceFailure = ""
	DeviceFailureUnreachable   DeviceFailure = "unreachable"
	DeviceFailureRejected      DeviceFailure = "rejected"
	DeviceFailureNotConfigured DeviceFailure = "not_configured"
)

// DeviceCommandResult はデバイス操作の結果。失敗時も必ず値を返す。
type DeviceCommandResult struct {
	Success       bool
	Status        DoorStatus
	Verified      bool
	AlreadyOpen   bool
	AlreadyClosed bool
	Failure       DeviceFailure
	Error         string
	Attempts      int
}

// DeviceHealth はデバイスAPIの死活確認結果。
type DeviceHealth struct {
	Healthy      bool
	Status       DoorStatus
	ResponseTime time.Duration
	LastChecked  time.Time
	Error        string
}
