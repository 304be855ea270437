package lifecycle

import "context"

// PreferenceReader answers "is channel X enabled for user Y". The preference
// store itself lives in another service; this is its read contract, consulted
// before every dispatch.
type PreferenceReader interface {
	ChannelEnabled(ctx context.Context, userID, channel string) (bool, error)
}

// AllowAll treats every channel as enabled. Used when no preference backend
// is wired, and in tests.
type AllowAll struct{}

func (AllowAll) ChannelEnabled(context.Context, string, string) (bool, error) {
	return true, nil
}

// StaticPreferences is a fixed in-memory preference table keyed by user id
// and channel. Absent entries default to enabled: transactional mail is
// opt-out, not opt-in.
type StaticPreferences struct {
	Disabled map[string][]string
}

func (p StaticPreferences) ChannelEnabled(_ context.Context, userID, channel string) (bool, error) {
	for _, ch := range p.Disabled[userID] {
		if ch == channel {
			return false, nil
		}
	}
	return true, nil
}
