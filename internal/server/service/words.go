package service

// wordList holds simple, memorable words for short ids.
var wordList = []string{
	"apple", "banana", "cherry", "dragon", "eagle", "falcon", "garden", "harbor",
	"island", "jungle", "kitten", "lemon", "mango", "nectar", "orange", "panda",
	"quartz", "rabbit", "sunset", "tiger", "umbrella", "velvet", "walnut", "xenon",
	"yellow", "zebra", "amber", "breeze", "coral", "dawn", "ember", "frost",
	"glow", "honey", "ivory", "jade", "kite", "lotus", "marble", "nova",
	"opal", "pearl", "quest", "river", "storm", "thunder", "unity", "violet",
	"willow", "azure", "blaze", "cloud", "delta", "echo", "flame", "galaxy",
	"horizon", "indigo", "jewel", "karma", "lunar", "meadow", "noble", "ocean",
	"prism", "quill", "radiant", "silver", "twilight", "urban", "vivid", "wonder",
	"zephyr", "alpine", "bloom", "crystal", "drift", "eternal", "fern", "glacier",
	"haven", "iris", "jasper", "kindle", "lavender", "mystic", "nimbus", "orchid",
	"phantom", "quasar", "raven", "spark", "tempo", "utopia", "vortex", "whisper",
	"zenith", "aurora", "brass", "cinder", "dusk", "flare", "grace", "harmony",
	"icon", "jolt", "keeper", "legend", "mosaic", "orbit", "pixel", "redux",
	"serenity", "terra", "vapor", "wander", "yarn",
}
