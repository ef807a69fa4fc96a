package unarchive

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry maps archived class names to Go struct types. It replaces the
// process wide class table of Foundation: a Registry is passed explicitly to
// an [Unarchiver] or [Archiver] and only the classes registered with it can be
// instantiated from an archive.
//
// A Registry is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	byName map[string]reflect.Type
	byType map[reflect.Type][]string
}

func NewRegistry() *Registry {
	return &Registry{
		byName: map[string]reflect.Type{},
		byType: map[reflect.Type][]string{},
	}
}

// Register binds className to the struct type T. Decoding an object of that class into
// an untyped target yields a *T. The optional superclasses are written to the `$classes`
// list of archived objects; NSObject is appended if missing.
//
// Register panics if T is not a struct type or if className is already taken.
func Register[T any](r *Registry, className string, superclasses ...string) {
	ty := reflect.TypeFor[T]()
	if ty.Kind() != reflect.Struct {
		panic(fmt.Sprintf("register %q: type %s is not a struct", className, ty))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[className]; ok {
		panic(fmt.Sprintf("register %q: class already bound to %s", className, existing))
	}

	if _, ok := r.byType[ty]; ok {
		panic(fmt.Sprintf("register %q: type %s already registered", className, ty))
	}

	hierarchy := append([]string{className}, superclasses...)
	if hierarchy[len(hierarchy)-1] != "NSObject" {
		hierarchy = append(hierarchy, "NSObject")
	}

	r.byName[className] = ty
	r.byType[ty] = hierarchy
}

// Alias makes an additional class name resolve to the type registered for className.
// Aliases are only used for decoding.
func (r *Registry) Alias(alias, className string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ty, ok := r.byName[className]
	if !ok {
		return fmt.Errorf("alias %q: class %q is not registered", alias, className)
	}

	if existing, ok := r.byName[alias]; ok && existing != ty {
		return fmt.Errorf("alias %q: already bound to %s", alias, existing)
	}

	r.byName[alias] = ty
	return nil
}

// Lookup returns the type bound to className.
func (r *Registry) Lookup(className string) (reflect.Type, bool) {
	if r == nil {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ty, ok := r.byName[className]
	return ty, ok
}

// resolve walks the class hierarchy recorded in the archive and returns the first
// registered type.
func (r *Registry) resolve(classNames []string) (reflect.Type, bool) {
	for _, name := range classNames {
		if ty, ok := r.Lookup(name); ok {
			return ty, true
		}
	}

	return nil, false
}

// ClassOf returns the class hierarchy registered for ty, starting with the class name.
func (r *Registry) ClassOf(ty reflect.Type) ([]string, bool) {
	if r == nil {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	hierarchy, ok := r.byType[ty]
	return hierarchy, ok
}
