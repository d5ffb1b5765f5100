// Package baseservice contains structs and initialization functions for
// "service-like" objects that provide commonly needed facilities so that they
// don't have to be redefined on every struct. The word "service" is used quite
// loosely here in that it may be applied to any long-lived object that isn't
// strictly a service (e.g. the migrator).
package baseservice

import (
	"log/slog"
	"reflect"
	"time"
)

// Archetype contains the set of base service properties that are immutable,
// or otherwise safe for services to copy from another service. The struct is
// also embedded in BaseService, so these properties are available on services
// directly.
type Archetype struct {
	// Logger is a structured logger.
	Logger *slog.Logger

	// TimeNowUTC returns the current time in UTC. Services should use this
	// function instead of the vanilla ones from the `time` package so the
	// current time can be stubbed in tests.
	TimeNowUTC func() time.Time
}

// BaseService is a struct that's meant to be embedded on "service-like"
// objects and which provides a number of convenient properties that are
// widely needed so that they don't have to be defined on every individual
// service and can easily be copied from each other.
type BaseService struct {
	Archetype

	// Name is a name of the service. It should generally be used to prefix
	// all log lines the service emits.
	Name string
}

func (s *BaseService) GetBaseService() *BaseService { return s }

// withBaseService is an interface to a struct that embeds BaseService. An
// implementation is provided automatically by BaseService, and it's largely
// meant for internal use.
type withBaseService interface {
	GetBaseService() *BaseService
}

// Init initializes a base service from an archetype. It returns the same
// service that was passed into it for convenience.
func Init[TService withBaseService](archetype *Archetype, service TService) TService {
	baseService := service.GetBaseService()

	baseService.Logger = archetype.Logger
	baseService.Name = reflect.TypeOf(service).Elem().Name()
	baseService.TimeNowUTC = archetype.TimeNowUTC

	return service
}
