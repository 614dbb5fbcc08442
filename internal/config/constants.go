package config

import "time"

const (
	// Rooms
	MinRoomCapacity = 2
	MaxRoomCapacity = 50

	// Membership
	JoinAttempts         = 3
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultReapInterval  = time.Minute
	SpeakingSlotAttempts = 3

	// Messages
	MaxMessageRunes = 2000

	// Captcha
	CaptchaMinOperand = 1
	CaptchaMaxOperand = 10
	CaptchaTTL        = 5 * time.Minute

	// Analysis
	MinAnalysisMessages = 3
	MaxTranscriptLines  = 200
)

var RoomModes = map[string]bool{
	"text":  true,
	"audio": true,
}

var AnalysisKinds = map[string]bool{
	"realtime": true,
	"summary":  true,
}
