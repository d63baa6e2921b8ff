package session

// Origin identifies which endpoint a byte stream came from or is bound
// for.
type Origin int

const (
	Client Origin = iota
	Server
)

// Opposite toggles between Client and Server.
func Opposite(o Origin) Origin {
	if o == Client {
		return Server
	}
	return Client
}

func (o Origin) String() string {
	if o == Client {
		return "client"
	}
	return "server"
}
