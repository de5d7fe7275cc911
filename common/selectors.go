package common

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/chromedp/cdproto/cdp"
)

// FrameSelector picks a frame out of a tab's frame tree. The set of
// selectors is closed; each one resolves to at most one frame and a failed
// resolution leaves the tab's current frame untouched.
type FrameSelector interface {
	frameSelector()
	String() string
}

// MainFrame selects the root of the frame tree.
type MainFrame struct{}

func (MainFrame) frameSelector() {}

func (MainFrame) String() string { return "main frame" }

// ByFrameID selects the frame with the exact CDP frame ID.
type ByFrameID cdp.FrameID

func (ByFrameID) frameSelector() {}

func (s ByFrameID) String() string { return fmt.Sprintf("frame id %q", string(s)) }

// ByName selects the first frame in pre-order whose name matches exactly,
// case-sensitively.
type ByName string

func (ByName) frameSelector() {}

func (s ByName) String() string { return fmt.Sprintf("frame name %q", string(s)) }

// ByURL selects the first frame in pre-order whose URL matches the pattern.
// The pattern is tried as a regular expression first; when it does not
// compile it is used as a plain substring.
type ByURL string

func (ByURL) frameSelector() {}

func (s ByURL) String() string { return fmt.Sprintf("frame url pattern %q", string(s)) }

func (s ByURL) matches(url string) bool {
	if re, err := regexp.Compile(string(s)); err == nil {
		return re.MatchString(url)
	}
	return strings.Contains(url, string(s))
}

// ByIndex selects the frame at the given position in the pre-order walk of
// the tree; index 0 is the main frame.
type ByIndex int

func (ByIndex) frameSelector() {}

func (s ByIndex) String() string { return fmt.Sprintf("frame index %d", int(s)) }

// ByCSSSelector selects the content frame of the first element matching the
// CSS selector in the current frame, such as an iframe element.
type ByCSSSelector string

func (ByCSSSelector) frameSelector() {}

func (s ByCSSSelector) String() string { return fmt.Sprintf("frame element selector %q", string(s)) }

// ByElement selects the content frame of the given frame-owner element.
type ByElement struct {
	Handle *ElementHandle
}

func (ByElement) frameSelector() {}

func (ByElement) String() string { return "frame element handle" }
