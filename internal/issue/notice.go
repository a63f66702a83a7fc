package issue

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
)

// Notice is the short user-facing feedback produced by every mutation.
type Notice struct {
	Level       Level  `json:"level"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}

func success(title, description string) Notice {
	return Notice{Level: LevelSuccess, Title: title, Description: description}
}

func failure(title, description string) Notice {
	return Notice{Level: LevelError, Title: title, Description: description}
}

var (
	noticeAuthRequired    = failure("Authentication required", "Please sign in to continue.")
	noticeProfileRequired = failure("Profile required", "Complete your profile before posting.")
	noticeForbidden       = failure("Permission denied", "You are not allowed to perform this action.")
	noticeInFlight        = Notice{Level: LevelInfo, Title: "Please wait", Description: "Your previous change is still being saved."}
	noticeClosed          = failure("Issue closed", "This issue view is no longer active.")
)
