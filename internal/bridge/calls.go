package bridge

import "github.com/joeycumines/koala/internal/frames"

// Navigate asks whether frame may navigate to url. Only a boolean answer
// overrides the default, which is to allow.
func (b *Bridge) Navigate(frame frames.ID, url string, reason NavigationReason) (bool, error) {
	v, err := b.Request(KindNavigate, frame, url, string(reason))
	if err != nil {
		return false, err
	}
	allow, ok := v.(bool)
	if !ok {
		b.metrics.Callback(string(KindNavigate), "default")
		return true, nil
	}
	b.metrics.Callback(string(KindNavigate), "answered")
	return allow, nil
}

// Alert reports a frame's alert. Any answer is ignored.
func (b *Bridge) Alert(frame frames.ID, message string) error {
	_, err := b.Request(KindAlert, frame, message)
	if err == nil {
		b.metrics.Callback(string(KindAlert), "answered")
	}
	return err
}

// Confirm asks the guest to answer a frame's confirm dialog. Anything but
// a boolean answer declines.
func (b *Bridge) Confirm(frame frames.ID, message string) (bool, error) {
	v, err := b.Request(KindConfirm, frame, message)
	if err != nil {
		return false, err
	}
	ok, isBool := v.(bool)
	if !isBool {
		b.metrics.Callback(string(KindConfirm), "default")
		return false, nil
	}
	b.metrics.Callback(string(KindConfirm), "answered")
	return ok, nil
}

// Prompt asks the guest to answer a frame's prompt dialog. accepted is
// false unless the answer is a string.
func (b *Bridge) Prompt(frame frames.ID, message, defaultValue string) (answer string, accepted bool, err error) {
	v, err := b.Request(KindPrompt, frame, message, defaultValue)
	if err != nil {
		return "", false, err
	}
	s, ok := v.(string)
	if !ok {
		b.metrics.Callback(string(KindPrompt), "default")
		return "", false, nil
	}
	b.metrics.Callback(string(KindPrompt), "answered")
	return s, true, nil
}
