package contact

// EmptyEndpointID marks the default/legacy single-endpoint case.
const EmptyEndpointID = "{00000000-0000-0000-0000-000000000000}"

// EndPointData describes one signed-in location (place) of an account.
type EndPointData struct {
	ID           string
	Name         string
	Capabilities string
	Idle         bool
}

// SetEndpoint records or updates per-endpoint data, firing a place-changed
// event when a new non-empty endpoint appears.
func (c *Contact) SetEndpoint(ep *EndPointData) {
	if ep == nil {
		return
	}
	id := ep.ID
	if id == "" {
		id = EmptyEndpointID
	}
	c.mu.Lock()
	_, existed := c.endpoints[id]
	c.endpoints[id] = ep
	c.mu.Unlock()
	if !existed && id != EmptyEndpointID {
		c.publish("contact.place_changed", c)
	}
}

// RemoveEndpoint drops a signed-out place, firing place-changed when a
// non-empty endpoint disappears.
func (c *Contact) RemoveEndpoint(id string) {
	if id == "" {
		id = EmptyEndpointID
	}
	c.mu.Lock()
	_, existed := c.endpoints[id]
	delete(c.endpoints, id)
	c.mu.Unlock()
	if existed && id != EmptyEndpointID {
		c.publish("contact.place_changed", c)
	}
}

// Endpoint returns the per-endpoint data for an id.
func (c *Contact) Endpoint(id string) (*EndPointData, bool) {
	if id == "" {
		id = EmptyEndpointID
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.endpoints[id]
	return ep, ok
}

// EndpointIDs returns a snapshot of the known endpoint ids.
func (c *Contact) EndpointIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.endpoints))
	for id := range c.endpoints {
		out = append(out, id)
	}
	return out
}

// ClearEndpoints forgets all places, used when the contact goes fully
// offline.
func (c *Contact) ClearEndpoints() {
	c.mu.Lock()
	c.endpoints = make(map[string]*EndPointData)
	c.mu.Unlock()
}

// HasMultiplePlaces reports whether the contact is signed in from more than
// one location (MPOP). The empty legacy endpoint does not count.
func (c *Contact) HasMultiplePlaces() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for id := range c.endpoints {
		if id != EmptyEndpointID {
			n++
		}
	}
	return n > 1
}
