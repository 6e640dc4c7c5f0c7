package image

import "fmt"

// A TLSRegistry assigns thread-local storage module IDs to objects in
// registration order. IDs feed the DTPMOD family of relocations.
type TLSRegistry struct {
	// MaxModules bounds how many TLS-using objects can be registered.
	// Zero means the default of 256.
	MaxModules int

	modules []*Object
}

func (t *TLSRegistry) maxModules() int {
	if t.MaxModules > 0 {
		return t.MaxModules
	}
	return 256
}

// Register assigns the next module ID to o. It reports false, without
// consuming an ID, when the object carries no TLS block.
func (t *TLSRegistry) Register(o *Object) (bool, error) {
	if !o.TLSUsed {
		return false, nil
	}
	if len(t.modules) >= t.maxModules() {
		return false, fmt.Errorf("too many TLS modules (limit %d)", t.maxModules())
	}
	o.TLSModuleID = len(t.modules)
	t.modules = append(t.modules, o)
	return true, nil
}

// Modules returns the registered objects in module-ID order.
func (t *TLSRegistry) Modules() []*Object {
	return t.modules
}

// InitImage builds the thread initialization image for one registered
// object: its initialized TLS data padded with zeros to the full block size.
func (t *TLSRegistry) InitImage(o *Object) ([]byte, error) {
	if !o.TLSUsed {
		return nil, fmt.Errorf("%s has no TLS block", o.Name)
	}
	data, err := o.Mem.Load(o.TLSDataStart, int(o.TLSDataSize))
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) < o.TLSBlockSize {
		data = append(data, make([]byte, o.TLSBlockSize-uint64(len(data)))...)
	}
	return data, nil
}
