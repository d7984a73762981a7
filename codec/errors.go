package codec

import (
	"errors"
	"fmt"

	"github.com/xaionaro-go/gpuvideo/hw"
)

var (
	ErrInvalidState = errors.New("the call is not valid in the current state of the session")
	ErrClosed       = errors.New("the session is closed")
)

// ErrNotSupported is returned when the hardware rejects a configuration.
type ErrNotSupported struct {
	// Step names the negotiation step that failed.
	Step    string
	Reasons hw.ValidationFlags
}

func (e ErrNotSupported) Error() string {
	return fmt.Sprintf("%s: the configuration is not supported by the hardware (%s)", e.Step, e.Reasons)
}

// ErrFeedbackExpired is returned by GetFeedback when the metadata slot
// of the token was already reused by a later frame.
type ErrFeedbackExpired struct {
	Token FeedbackToken
}

func (e ErrFeedbackExpired) Error() string {
	return fmt.Sprintf("the feedback of frame %d is not available anymore", e.Token.FrameIndex)
}
