package content

import "github.com/satriahrh/storyteller/server/domain/entities"

func mockEpisodes() []entities.Episode {
	return []entities.Episode{
		{
			EpisodeRef:         entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 1},
			Title:              "Greetings and Family",
			Vocabulary:         []string{"hola", "adiós", "familia", "mamá", "papá"},
			StoryContext:       "Meeting a Spanish family in their home. María introduces you to her family members and teaches you how to greet them properly.",
			Difficulty:         "beginner",
			EstimatedDuration:  300,
			LearningObjectives: []string{"Basic greetings", "Family members", "Polite expressions"},
			VocabularyTranslations: map[string]string{
				"hola":    "hello",
				"adiós":   "goodbye",
				"familia": "family",
				"mamá":    "mom",
				"papá":    "dad",
			},
			ChoicePrompt: `¡Hola {user_name}! I'm Lingo, your Spanish learning friend!

I'm so happy to see you today. You're {user_age} years old and you're going to be amazing at Spanish!

How are you feeling today, {user_name}? Tell me all about it!

When you're ready, a fun adventure is waiting. We're going to meet a lovely Spanish family and learn how to say hello and talk about families.
You'll learn words like "hola" (that means hello!) and "familia" (that means family!).

Are you ready to start, {user_name}? Just tell me when you want to begin!`,
			EpisodePrompt: `¡Hola {user_name}! Welcome to your Spanish family adventure!

You're {user_age} years old and you're going to be fantastic at this!

TODAY'S STORY: We're visiting the García family in their cozy home in Spain. They can't wait to meet you, {user_name}!

WORDS WE'LL LEARN: hola, adiós, familia, mamá, papá
WHAT YOU'LL MASTER: Saying hello, goodbye, and talking about family!

*knock knock* "¡Hola!" says María at the door. That means "hello" in Spanish! Can you say "hola" back to her, {user_name}?
Say it with me: "HO-LA!"

When you say a word well, I'll cheer for you. When you learn all the words, we'll celebrate together!`,
		},
		{
			EpisodeRef:         entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 2},
			Title:              "Farm Animals",
			Vocabulary:         []string{"gato", "perro", "vaca", "caballo", "cerdo"},
			StoryContext:       "Adventure on a Spanish farm with friendly animals. Help farmer Carlos feed the animals and learn their names in Spanish.",
			Difficulty:         "beginner",
			EstimatedDuration:  400,
			LearningObjectives: []string{"Animal names", "Animal sounds", "Farm vocabulary"},
			VocabularyTranslations: map[string]string{
				"gato":    "cat",
				"perro":   "dog",
				"vaca":    "cow",
				"caballo": "horse",
				"cerdo":   "pig",
			},
			ChoicePrompt: `¡Hola again, {user_name}!

You did so well learning about families! Now I have an even more exciting adventure for you.

How are you feeling today, my {user_age}-year-old Spanish superstar?

We're going to visit Farmer Carlos's farm! So many friendly animals are waiting to meet you.
You'll meet a "gato" (cat), a "perro" (dog), and even a big "vaca" (cow)!

Are you ready to explore the farm and make animal friends, {user_name}? Tell me when you're ready!`,
			EpisodePrompt: `¡Hola {user_name}! Welcome to Farmer Carlos's magical farm!

You're {user_age} years old and the animals are so excited to meet you!

TODAY'S ADVENTURE: We're helping Farmer Carlos feed all his animal friends!
ANIMAL WORDS: gato, perro, vaca, caballo, cerdo
YOUR MISSION: Learn each animal's Spanish name and the sound it makes!

*Farmer Carlos waves* "¡Hola {user_name}! Welcome to my farm!"
Listen! Do you hear that "meow"? "¡Mira!" says Carlos. "¡Es un gato!"
"Gato" means cat in Spanish! Can you say "gato" for me, {user_name}? Say it like this: "GA-TO!"`,
		},
		{
			EpisodeRef:         entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 3},
			Title:              "Colors and Shapes",
			Vocabulary:         []string{"rojo", "azul", "verde", "círculo", "cuadrado"},
			StoryContext:       "Painting a colorful mural in a Spanish art class with teacher Sofia. Create beautiful art while learning colors and shapes.",
			Difficulty:         "beginner",
			EstimatedDuration:  350,
			LearningObjectives: []string{"Basic colors", "Simple shapes", "Art vocabulary"},
			VocabularyTranslations: map[string]string{
				"rojo":     "red",
				"azul":     "blue",
				"verde":    "green",
				"círculo":  "circle",
				"cuadrado": "square",
			},
			ChoicePrompt: `¡Hola my artistic friend {user_name}!

You're becoming such a Spanish expert! I'm so proud of you!

How are you feeling today, {user_name}? Ready for something colorful and creative?

Today we're going to be artists with Señorita Sofia and learn colors in Spanish!
We'll use "rojo" (red), "azul" (blue), and "verde" (green), and paint "círculos" (circles) and "cuadrados" (squares)!

You're {user_age} years old and you're going to be an amazing Spanish artist. Are you ready, {user_name}?`,
			EpisodePrompt: `¡Hola {user_name}! Welcome to Señorita Sofia's art studio!

You're {user_age} years old and today you're going to be a Spanish artist!

TODAY'S CREATION: We're painting a beautiful mural together!
COLOR WORDS: rojo, azul, verde, círculo, cuadrado
YOUR ARTISTIC MISSION: Learn colors and shapes while creating art!

*Señorita Sofia smiles* "¡Bienvenido {user_name}! Welcome to our art studio!"
"¡Mira los colores!" This bright color is "rojo", that means red! Like a shiny red apple!
Can you say "rojo" with me, {user_name}? "RO-JO!"`,
		},
	}
}
