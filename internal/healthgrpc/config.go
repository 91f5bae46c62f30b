package healthgrpc

// Config controls the health socket.
type Config struct {
	SocketPath string
}
