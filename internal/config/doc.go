// Package config loads cwclient settings.
//
// Settings come from three layers, later ones winning:
//
//  1. defaults from New
//  2. cwclient.json in the working directory (or --config)
//  3. .env next to the file, then the process environment (CW_*)
//
// # Configuration File Structure
//
//	{
//	  "server_url": "wss://play.example.com/ws",
//	  "hash": "sha256",
//	  "handshake_timeout": "10s",
//	  "ping_timeout": "30s",
//	  "close_timeout": "5s",
//	  "game": {
//	    "input_rate": 20,
//	    "script": "up,up,right"
//	  },
//	  "replay": {
//	    "enabled": true,
//	    "bucket": "cw-replays",
//	    "region": "eu-west-1"
//	  },
//	  "metrics": {
//	    "addr": ":9090"
//	  }
//	}
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	connCfg, err := cfg.ConnConfig()
package config
