package cache

import "time"

type Visibility int

const (
	Foreground Visibility = iota
	Background
)

func (v Visibility) String() string {
	if v == Background {
		return "background"
	}
	return "foreground"
}

type Environment int

const (
	Production Environment = iota
	Sandbox
)

func (e Environment) String() string {
	if e == Sandbox {
		return "sandbox"
	}
	return "production"
}

// ParseEnvironment accepts "production" and "sandbox"; anything else is production.
func ParseEnvironment(value string) Environment {
	if value == "sandbox" {
		return Sandbox
	}
	return Production
}

const (
	ForegroundStalenessWindow = 5 * time.Minute
	BackgroundStalenessWindow = 25 * time.Hour
)

// StalenessWindow is how long cached backend data stays fresh.
// Sandbox is uniformly short so test purchases propagate quickly.
func StalenessWindow(visibility Visibility, environment Environment) time.Duration {
	if environment == Sandbox {
		return ForegroundStalenessWindow
	}
	if visibility == Background {
		return BackgroundStalenessWindow
	}
	return ForegroundStalenessWindow
}
