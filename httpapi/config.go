package httpapi

// Config defines HTTP API settings.
type Config struct {
	Addr string
	// Token, when set, is required as a bearer token on /api routes.
	Token string
}
