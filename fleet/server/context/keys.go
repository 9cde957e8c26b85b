package context

type key int

const (
	JobIDKey key = iota
	ServerIPKey
	UsernameKey
)
