// Package client is a small Go SDK for the dispatchq API.
//
// # Basic usage
//
//	c := client.New("http://localhost:8000", client.WithToken(token))
//
//	res, err := c.Enqueue(ctx, client.EnqueueRequest{
//	    Prompt:    "hi",
//	    HandlerID: "echo:1",
//	    IsFirst:   true,
//	})
//
// # Following a task
//
//	updates, err := c.Subscribe(ctx, res.TaskID)
//	for t := range updates {
//	    fmt.Println(t.Status, t.CurrentPosition)
//	}
//
// The channel closes once the task reaches a terminal status or its
// record expires.
//
// # Observing the fleet
//
//	ws, err := c.ConnectObserver(ctx)
//	for event := range ws.Events() {
//	    fmt.Println(event.Type)
//	}
package client
