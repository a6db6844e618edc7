package attr

// Attribute names populated by the transport layer. Conditions may only
// reference these identifiers; adding one is a coordinated schema change.
const (
	RequestURLPath                  = "requestUrlPath"
	RequestHost                     = "requestHost"
	RequestMethod                   = "requestMethod"
	RequestHeaders                  = "requestHeaders"
	SourceAddress                   = "sourceAddress"
	SourcePort                      = "sourcePort"
	DestinationAddress              = "destinationAddress"
	DestinationPort                 = "destinationPort"
	ConnectionRequestedServerName   = "connectionRequestedServerName"
	ConnectionURISANPeerCertificate = "connectionUriSanPeerCertificate"
)

// Kind is the value type of an attribute
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindStringMap
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindStringMap:
		return "map(string, string)"
	default:
		return "unknown"
	}
}

// Field describes one attribute of the schema
type Field struct {
	Name string
	Kind Kind
}

// Schema is the fixed attribute schema, in declaration order
var Schema = []Field{
	{Name: RequestURLPath, Kind: KindString},
	{Name: RequestHost, Kind: KindString},
	{Name: RequestMethod, Kind: KindString},
	{Name: RequestHeaders, Kind: KindStringMap},
	{Name: SourceAddress, Kind: KindString},
	{Name: SourcePort, Kind: KindInt},
	{Name: DestinationAddress, Kind: KindString},
	{Name: DestinationPort, Kind: KindInt},
	{Name: ConnectionRequestedServerName, Kind: KindString},
	{Name: ConnectionURISANPeerCertificate, Kind: KindString},
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, len(Schema))
	for _, f := range Schema {
		m[f.Name] = f.Kind
	}
	return m
}()

// Lookup returns the kind of a schema attribute
func Lookup(name string) (Kind, bool) {
	k, ok := kindByName[name]
	return k, ok
}
