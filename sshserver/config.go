package sshserver

// Config defines SSH viewer settings. An empty Addr disables the viewer.
type Config struct {
	Addr               string
	HostKeyPath        string
	AuthorizedKeysPath string
}
