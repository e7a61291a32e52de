package ml

import (
	"encoding/gob"
	"fmt"

	torch "github.com/wangkuiyi/gotorch"

	"spit/checkpoint"
	"spit/util"
)

// Save writes the network's state dict to the checkpoint root.
func (c *Classifier) Save(root string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.net == nil {
		return ErrClosed
	}

	util.Logger.Println("Saving model to", checkpoint.Path(root))
	f, err := checkpoint.Create(root)
	if err != nil {
		return err
	}
	defer f.Close()

	// Tensors are encoded from host memory.
	c.net.To(torch.NewDevice("cpu"))
	defer c.net.To(c.device)
	if err := gob.NewEncoder(f).Encode(c.net.StateDict()); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

// Restore loads the state dict saved under root into the network.
func (c *Classifier) Restore(root string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.net == nil {
		return ErrClosed
	}

	f, err := checkpoint.Open(root)
	if err != nil {
		return err
	}
	defer f.Close()

	states := make(map[string]torch.Tensor)
	if err := gob.NewDecoder(f).Decode(&states); err != nil {
		return fmt.Errorf("decode checkpoint %s: %w", checkpoint.Path(root), err)
	}
	if err := c.net.SetStateDict(states); err != nil {
		return fmt.Errorf("restore checkpoint %s: %w", checkpoint.Path(root), err)
	}
	c.net.To(c.device)
	return nil
}
