// Package mqtt provides MQTT client connectivity for the TaHoma bridge.
//
// This package manages:
//   - Connection to the Mosquitto broker with auto-reconnect
//   - Validated publishing with QoS guarantees
//   - Tracked subscriptions that are restored after a reconnect
//   - An offline Last Will and Testament on the bridge health topic
//
// # Topics
//
// The bridge uses the flat Gray Logic scheme graylogic/{category}/tahoma/{address}.
// Device URLs contain slashes, so they are path-escaped into a single level:
//
//	mqtt.Topics{}.State("io://1234-5678-9012/1")
//	// graylogic/state/tahoma/io:%2F%2F1234-5678-9012%2F1
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllRequests(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("request: %s", topic)
//	        return nil
//	    })
package mqtt
