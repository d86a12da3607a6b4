package types

import "fmt"

// Command is a discrete request produced by gesture recognition or by a
// remote operator. The set is closed.
type Command int

const (
	ToGreenScreen Command = iota + 1
	FromGreenScreen
	PreviousImage
	NextImage
)

var commandNames = map[Command]string{
	ToGreenScreen:   "to_green_screen",
	FromGreenScreen: "from_green_screen",
	PreviousImage:   "previous_image",
	NextImage:       "next_image",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// IsSlide reports whether c drives the picture slide transition.
func (c Command) IsSlide() bool { return c == NextImage || c == PreviousImage }

// IsFade reports whether c drives the green field fade.
func (c Command) IsFade() bool { return c == ToGreenScreen || c == FromGreenScreen }

// ParseCommand maps a wire name (as returned by String) back to a Command.
func ParseCommand(name string) (Command, error) {
	for c, n := range commandNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("types: unknown command %q", name)
}

// DepthRange selects the sensor depth range.
type DepthRange int

const (
	RangeDefault DepthRange = iota
	RangeNear
)

func (r DepthRange) String() string {
	if r == RangeNear {
		return "near"
	}
	return "default"
}

// ParseDepthRange accepts "near" or "default".
func ParseDepthRange(s string) (DepthRange, error) {
	switch s {
	case "near":
		return RangeNear, nil
	case "default", "":
		return RangeDefault, nil
	default:
		return RangeDefault, fmt.Errorf("types: unknown depth range %q", s)
	}
}
