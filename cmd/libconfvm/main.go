// Package main builds libconfvm, the C ABI over the service gateway.
// This is built with -buildmode=c-shared.
//
// Every call returns a malloc'd buffer that the caller releases with
// confvm_service_free_string. On status 0 the buffer is the response; on
// status 1 it is the error message; on status 2 it is the raw fault text.
package main

/*
#include <stdlib.h>
#include <stdint.h>

// Plugin callback. Returns a malloc'd JSON result, which the library frees.
// Setting *failed to non-zero marks the returned string as an error message.
typedef char* (*confvm_plugin_fn)(const char* method, const char* args, const char* kwargs, int* failed);

// cgo can't call function pointers directly
static char* call_plugin_fn(confvm_plugin_fn fn, const char* method, const char* args, const char* kwargs, int* failed) {
    return fn(method, args, kwargs, failed);
}
*/
import "C"
import (
	"context"
	"errors"
	"unsafe"

	"github.com/tliron/commonlog"

	"github.com/chazu/confvm/gateway"
	"github.com/chazu/confvm/plugin"
	"github.com/chazu/confvm/service"
)

func main() {}

var (
	log     = commonlog.GetLogger("confvm.libconfvm")
	handles = gateway.NewHandleStore()

	errInvalidHandle = errors.New("invalid service handle")
	errNoResult      = errors.New("plugin returned no result")
)

// ============================================================================
// Plugin agent
// ============================================================================

// cAgent forwards plugin calls to a C function pointer.
type cAgent struct {
	fn C.confvm_plugin_fn
}

func (a cAgent) Invoke(_ context.Context, method, args, kwargs string) (string, error) {
	cMethod := C.CString(method)
	cArgs := C.CString(args)
	cKwargs := C.CString(kwargs)
	defer C.free(unsafe.Pointer(cMethod))
	defer C.free(unsafe.Pointer(cArgs))
	defer C.free(unsafe.Pointer(cKwargs))

	var failed C.int
	res := C.call_plugin_fn(a.fn, cMethod, cArgs, cKwargs, &failed)
	if res == nil {
		return "", errNoResult
	}
	out := C.GoString(res)
	C.free(unsafe.Pointer(res))
	if failed != 0 {
		return "", errors.New(out)
	}
	return out, nil
}

// ============================================================================
// Handles
// ============================================================================

//export confvm_service_new
func confvm_service_new(pluginFn C.confvm_plugin_fn) C.uint64_t {
	var opts []service.Option
	if pluginFn != nil {
		opts = append(opts, service.WithPluginAgent(cAgent{fn: pluginFn}))
	}
	return C.uint64_t(handles.Create(service.New(opts...)))
}

//export confvm_service_delete
func confvm_service_delete(h C.uint64_t) {
	if !handles.Release(uint64(h)) {
		log.Warningf("delete of unknown handle %d", uint64(h))
	}
}

// ============================================================================
// Calls
// ============================================================================

//export confvm_service_call
func confvm_service_call(h C.uint64_t, method, args *C.char, status *C.int) *C.char {
	gw, ok := handles.Gateway(uint64(h))
	if !ok {
		return fail(errInvalidHandle, status)
	}
	var payload []byte
	if args != nil {
		payload = []byte(C.GoString(args))
	}
	out, err := gw.Call(C.GoString(method), payload)
	if err != nil {
		return fail(err, status)
	}
	setStatus(status, gateway.StatusOK)
	return C.CString(string(out))
}

//export confvm_service_call_with_length
func confvm_service_call_with_length(h C.uint64_t, method, args *C.char, argsLen C.size_t, resultLen *C.size_t, status *C.int) *C.char {
	gw, ok := handles.Gateway(uint64(h))
	if !ok {
		return failWithLength(errInvalidHandle, resultLen, status)
	}
	var payload []byte
	if args != nil && argsLen > 0 {
		payload = C.GoBytes(unsafe.Pointer(args), C.int(argsLen))
	}
	out, err := gw.CallWithLength(C.GoString(method), payload)
	if err != nil {
		return failWithLength(err, resultLen, status)
	}
	setStatus(status, gateway.StatusOK)
	return bytesToC(out, resultLen)
}

//export confvm_service_free_string
func confvm_service_free_string(p *C.char) {
	if p != nil {
		C.free(unsafe.Pointer(p))
	}
}

// ============================================================================
// Helpers
// ============================================================================

func setStatus(status *C.int, s gateway.Status) {
	if status != nil {
		*status = C.int(s)
	}
}

func fail(err error, status *C.int) *C.char {
	setStatus(status, gateway.StatusOf(err))
	return C.CString(err.Error())
}

func failWithLength(err error, resultLen *C.size_t, status *C.int) *C.char {
	setStatus(status, gateway.StatusOf(err))
	return bytesToC([]byte(err.Error()), resultLen)
}

// bytesToC copies b into a malloc'd buffer with a trailing NUL that is not
// counted in the reported length.
func bytesToC(b []byte, n *C.size_t) *C.char {
	buf := C.malloc(C.size_t(len(b) + 1))
	dst := unsafe.Slice((*byte)(buf), len(b)+1)
	copy(dst, b)
	dst[len(b)] = 0
	if n != nil {
		*n = C.size_t(len(b))
	}
	return (*C.char)(buf)
}

var _ plugin.Agent = cAgent{}
