package sessiontimeout

// ActivityKind classifies a qualifying user interaction. Any one kind is
// sufficient to reset the countdown.
type ActivityKind string

// Qualifying interaction classes, mirroring the DOM events the dashboard
// client forwards.
const (
	ActivityPointerDown ActivityKind = "mousedown"
	ActivityPointerMove ActivityKind = "mousemove"
	ActivityKeyPress    ActivityKind = "keypress"
	ActivityScroll      ActivityKind = "scroll"
	ActivityTouch       ActivityKind = "touchstart"
	ActivityClick       ActivityKind = "click"
)

// QualifyingActivities lists every interaction class that resets the countdown.
var QualifyingActivities = []ActivityKind{
	ActivityPointerDown,
	ActivityPointerMove,
	ActivityKeyPress,
	ActivityScroll,
	ActivityTouch,
	ActivityClick,
}

// Qualifies reports whether the kind is a known qualifying interaction.
func Qualifies(kind ActivityKind) bool {
	for _, k := range QualifyingActivities {
		if k == kind {
			return true
		}
	}
	return false
}
