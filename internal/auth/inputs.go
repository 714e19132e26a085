package auth

import "github.com/basket/taskboard/internal/schema"

// Credentials is the body of setup and login.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshInput struct {
	RefreshToken string `json:"refreshToken"`
}

type CreateUserInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type UpdateUserInput struct {
	Email    *string `json:"email,omitempty"`
	Password *string `json:"password,omitempty"`
	Role     *string `json:"role,omitempty"`
}

const (
	emailProp    = `{"type": "string", "maxLength": 255, "pattern": "^[^@\\s]+@[^@\\s]+\\.[^@\\s]+$"}`
	passwordProp = `{"type": "string", "minLength": 8, "maxLength": 128}`
	roleProp     = `{"enum": ["admin", "user"]}`
)

var (
	setupSchema = schema.MustCompile("auth_setup.json", `{
		"type": "object",
		"required": ["email", "password"],
		"properties": {"email": `+emailProp+`, "password": `+passwordProp+`}
	}`)
	loginSchema = schema.MustCompile("auth_login.json", `{
		"type": "object",
		"required": ["email", "password"],
		"properties": {
			"email": `+emailProp+`,
			"password": {"type": "string", "minLength": 1}
		}
	}`)
	refreshSchema = schema.MustCompile("auth_refresh.json", `{
		"type": "object",
		"required": ["refreshToken"],
		"properties": {"refreshToken": {"type": "string", "minLength": 1}}
	}`)
	createUserSchema = schema.MustCompile("user_create.json", `{
		"type": "object",
		"required": ["email", "password"],
		"properties": {"email": `+emailProp+`, "password": `+passwordProp+`, "role": `+roleProp+`}
	}`)
	updateUserSchema = schema.MustCompile("user_update.json", `{
		"type": "object",
		"properties": {"email": `+emailProp+`, "password": `+passwordProp+`, "role": `+roleProp+`}
	}`)
)

func DecodeSetup(raw []byte) (Credentials, error) {
	var in Credentials
	err := setupSchema.Decode(raw, &in)
	return in, err
}

func DecodeLogin(raw []byte) (Credentials, error) {
	var in Credentials
	err := loginSchema.Decode(raw, &in)
	return in, err
}

func DecodeRefresh(raw []byte) (RefreshInput, error) {
	var in RefreshInput
	err := refreshSchema.Decode(raw, &in)
	return in, err
}

func DecodeCreateUser(raw []byte) (CreateUserInput, error) {
	var in CreateUserInput
	err := createUserSchema.Decode(raw, &in)
	return in, err
}

func DecodeUpdateUser(raw []byte) (UpdateUserInput, error) {
	var in UpdateUserInput
	err := updateUserSchema.Decode(raw, &in)
	return in, err
}
