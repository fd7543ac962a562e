package listener

// Availability answers ConsumerAvailability by checking whether a
// consumer socket path has been configured for the requested bitness
// (§4.2's "consumer available for this bitness" check).
type Availability struct {
	Socket32 string
	Socket64 string
}

// HasConsumerFor implements lifecycle.ConsumerAvailability.
func (a Availability) HasConsumerFor(bitness int) bool {
	switch bitness {
	case 32:
		return a.Socket32 != ""
	case 64:
		return a.Socket64 != ""
	default:
		return false
	}
}
