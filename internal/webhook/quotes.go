package webhook

import "math/rand"

// Failure responses never explain themselves. The body is a quote picked at
// random so probes and misconfigured hooks get nothing to learn from.
var quotes = []string{
	"YOU HAVE DIED OF DYSENTERY",
	"the cake is a lie",
	"War is where the young and stupid are tricked by the old and bitter into killing each other.",
	"I used to be an adventurer like you until I took an arrow to the knee.",
	"welcome to zombocom",
	"Hocus pocus abracadabra arse blathanna.",
	"We understanded",
}

func randomQuote() string {
	return quotes[rand.Intn(len(quotes))]
}
