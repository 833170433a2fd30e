package op

const Version = "0.1.0"
