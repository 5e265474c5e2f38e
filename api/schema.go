// Package api defines the request and response shapes of every service
// method together with the two wire encodings that carry them.
//
// The schema lives in service.proto, embedded into the binary and parsed at
// init. Binary payloads are protobuf wire format; text payloads are protojson
// with proto field names. Both decode into the same Go structs in types.go,
// so a fixture authored as text and a request sent as binary drive exactly
// the same handler.
package api

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"google.golang.org/protobuf/reflect/protoreflect"
)

//go:embed service.proto
var serviceProto string

const (
	// ProtoFile is the name the embedded schema is registered under.
	ProtoFile = "confvm/v1/service.proto"

	// ServiceName is the fully-qualified proto service name.
	ServiceName = "confvm.v1.ConfvmService"

	// ShortServiceName is the unqualified service name accepted as a
	// method prefix ("ConfvmService.ExecProgram").
	ShortServiceName = "ConfvmService"
)

// Method is one rpc of the service with its request and response
// descriptors.
type Method struct {
	Name      string // ExecProgram
	Procedure string // /confvm.v1.ConfvmService/ExecProgram
	Input     protoreflect.MessageDescriptor
	Output    protoreflect.MessageDescriptor
}

var (
	fileDesc *desc.FileDescriptor
	methods  map[string]*Method
	names    []string
)

func init() {
	parser := protoparse.Parser{
		Accessor: protoparse.FileContentsFromMap(map[string]string{
			ProtoFile: serviceProto,
		}),
	}
	fds, err := parser.ParseFiles(ProtoFile)
	if err != nil {
		panic(fmt.Sprintf("api: cannot parse %s: %v", ProtoFile, err))
	}
	fileDesc = fds[0]

	sd := fileDesc.FindService(ServiceName)
	if sd == nil {
		panic(fmt.Sprintf("api: service %s missing from %s", ServiceName, ProtoFile))
	}

	methods = make(map[string]*Method)
	for _, md := range sd.GetMethods() {
		m := &Method{
			Name:      md.GetName(),
			Procedure: "/" + ServiceName + "/" + md.GetName(),
			Input:     md.GetInputType().UnwrapMessage(),
			Output:    md.GetOutputType().UnwrapMessage(),
		}
		methods[m.Name] = m
		names = append(names, m.Name)
	}
	sort.Strings(names)
}

// MethodNames returns the bare names of all service methods, sorted.
func MethodNames() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Methods returns all service methods sorted by name.
func Methods() []*Method {
	out := make([]*Method, 0, len(names))
	for _, n := range names {
		out = append(out, methods[n])
	}
	return out
}

// LookupMethod resolves a method name. Bare names ("ExecProgram"),
// service-qualified names ("ConfvmService.ExecProgram",
// "confvm.v1.ConfvmService.ExecProgram") and procedure paths
// ("/confvm.v1.ConfvmService/ExecProgram") are accepted.
func LookupMethod(name string) (*Method, bool) {
	m, ok := methods[BareMethodName(name)]
	return m, ok
}

// BareMethodName strips any service qualification from name.
func BareMethodName(name string) string {
	name = strings.TrimPrefix(name, "/")
	for _, prefix := range []string{ServiceName + "/", ServiceName + ".", ShortServiceName + "."} {
		if strings.HasPrefix(name, prefix) {
			return name[len(prefix):]
		}
	}
	return name
}

// MessageDescriptor returns the descriptor of a message declared in the schema by its
// short name, for example "ExecProgramArgs".
func MessageDescriptor(name string) (protoreflect.MessageDescriptor, bool) {
	md := fileDesc.FindMessage("confvm.v1." + name)
	if md == nil {
		return nil, false
	}
	return md.UnwrapMessage(), true
}
