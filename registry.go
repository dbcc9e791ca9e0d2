package grpcwire

import (
	"fmt"

	"github.com/fullstorydev/grpcwire/codec"
)

// registeredMethod pairs a method description with its owning service.
type registeredMethod struct {
	service *ServiceDesc
	method  *MethodDesc
}

func (rm *registeredMethod) codec() codec.Codec {
	if rm.service.Codec != nil {
		return rm.service.Codec
	}
	return codec.Proto{}
}

// HandlerMap accumulates service handlers keyed by fully-qualified method
// name ("service/method"). Handlers can be registered once and then used to
// configure multiple servers exposing the same services. A HandlerMap is
// also the internal method registry of a Server.
type HandlerMap map[string]*registeredMethod

// RegisterService registers every method of the given service. Only a
// single registration is allowed per method; a duplicate panics.
func (r HandlerMap) RegisterService(desc *ServiceDesc) {
	for i := range desc.Methods {
		md := &desc.Methods[i]
		if md.Handler == nil {
			panic(fmt.Sprintf("service %s: method %s has no handler", desc.ServiceName, md.Name))
		}
		full := desc.ServiceName + "/" + md.Name
		if _, ok := r[full]; ok {
			panic(fmt.Sprintf("method %s: handler already registered", full))
		}
		r[full] = &registeredMethod{service: desc, method: md}
	}
}

// QueryMethod returns the registration for the named method, or nil.
func (r HandlerMap) QueryMethod(fullName string) *registeredMethod {
	return r[fullName]
}

// ForEach calls fn for every registered method.
func (r HandlerMap) ForEach(fn func(service *ServiceDesc, method *MethodDesc)) {
	for _, rm := range r {
		fn(rm.service, rm.method)
	}
}
