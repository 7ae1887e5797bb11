package config

// Bucket zones must resolve on hosts without a system zoneinfo database.
import _ "time/tzdata"
