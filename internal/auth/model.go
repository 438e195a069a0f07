package auth

import "time"

type User struct {
	ID           string
	Username     string
	PasswordHash string
	IsActive     bool
	IsSuperuser  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Button is a granular permission record: an API path template (with :id in
// place of identifier segments) plus an HTTP method code. The (api, method)
// pair uniquely identifies a grantable action.
type Button struct {
	ID     string
	Name   string
	API    string
	Method int
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

var methodCodes = map[string]int{
	"GET":    0,
	"POST":   1,
	"PUT":    2,
	"DELETE": 3,
}

// MethodCode maps an HTTP verb to its stored permission code. Verbs outside
// the map carry no grantable action.
func MethodCode(method string) (int, bool) {
	code, ok := methodCodes[method]
	return code, ok
}
