/*
Package config loads eventhub settings.

# Overview

Config wraps the decoded map of a configuration file and provides typed
accessors that fall back to a default when a key is missing or has the
wrong shape. Keys are dotted paths into nested sections:

	cfg, err := config.Load("eventhub.yaml")
	if err != nil {
	    return err
	}
	driver := cfg.String("store.driver", "memory")
	timeout := cfg.Duration("webhook.timeout", 10*time.Second)

# File Formats

Load picks the decoder by extension: .yaml and .yml (yaml.v3), .json, and
.toml (BurntSushi/toml).

String values may reference the environment as ${NAME}, which keeps
secrets out of the file:

	hub:
	  secret: ${HUB_SECRET}

A placeholder with no value fails the load.

# Environment Overrides

Variables named EVENTHUB_<SECTION>_<KEY> override file values after
loading. The first underscore after the prefix separates the section from
the key, so EVENTHUB_HUB_RATE_LIMIT sets hub.rate_limit. Environment values
are strings; the accessors parse them as needed, and StringSlice splits
them on commas.

# Settings

FromConfig turns a Config into typed Settings with every default applied,
and Validate rejects combinations the server cannot start with.
*/
package config
