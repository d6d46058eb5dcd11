package application

import (
	"sensorguard-cloud/internal/eventing"
	telemetryevents "sensorguard-cloud/internal/telemetry/application/events"
)

// ReadingsConsumerName identifies the alarm pipeline in the processed store.
const ReadingsConsumerName = "alarms.readings"

// WireAlarmsEventBus subscribes the service to decoded notifications.
// Redelivered notifications are dropped when processed is set.
func WireAlarmsEventBus(bus eventing.EventBus, service *Service, processed eventing.ProcessedStore) {
	if bus == nil || service == nil {
		return
	}
	eventing.Subscribe(bus, eventing.EventTypeOf[telemetryevents.ReadingsReceived](), ReadingsConsumerName,
		eventing.Handle(service.HandleReadingsReceived), processed)
}
